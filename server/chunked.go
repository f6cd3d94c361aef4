// Copyright 2024 The wsgate Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"strconv"
)

// chunkPhase is the chunked-decoder state machine from spec.md §4.2.
type chunkPhase int

const (
	chunkNone chunkPhase = iota
	chunkData
	chunkDataEnded
	chunkTrailer
	chunkEnd
)

const (
	maxChunkSizeDigits = 20
	maxTrailerLen      = 4096
)

// ChunkDecoder is a pure byte-driven RFC 7230 §4.1 chunked transfer-encoding
// parser with trailer collection, grounded on the CRLF sub-state walk used
// by the teacher's wsGet/wsRead loop and by packetd's phttp decoder.
type ChunkDecoder struct {
	phase      chunkPhase
	size       int
	read       int
	sizeBuf    bytes.Buffer
	trailerBuf bytes.Buffer
	crlfWant   int // bytes of a pending CRLF still needed (0, 1 or 2)
	chunks     [][]byte
	trailer    *HeaderCollection
	inExt      bool
}

// NewChunkDecoder returns a decoder ready to consume the first chunk-size
// line. Trailer headers, if any, are added to trailer.
func NewChunkDecoder(trailer *HeaderCollection) *ChunkDecoder {
	if trailer == nil {
		trailer = NewHeaderCollection()
	}
	return &ChunkDecoder{phase: chunkNone, trailer: trailer}
}

// Done reports whether the terminating zero-size chunk and trailer block
// have both been consumed.
func (d *ChunkDecoder) Done() bool { return d.phase == chunkEnd }

// TakeChunks drains and returns any output bytes accumulated so far.
func (d *ChunkDecoder) TakeChunks() [][]byte {
	c := d.chunks
	d.chunks = nil
	return c
}

// Write feeds raw bytes into the decoder. It may be called with arbitrarily
// small or large slices, including byte-at-a-time, and is stateless across
// calls beyond the ChunkDecoder fields (spec.md invariant #3).
func (d *ChunkDecoder) Write(p []byte) error {
	for len(p) > 0 {
		if d.phase == chunkEnd {
			return protocolErr("chunked decoder already at End, rejecting further input")
		}
		var consumed int
		var err error
		switch d.phase {
		case chunkNone:
			consumed, err = d.stepSizeLine(p)
		case chunkData:
			consumed, err = d.stepData(p)
		case chunkDataEnded:
			consumed, err = d.stepCRLF(p, chunkNone)
		case chunkTrailer:
			consumed, err = d.stepTrailer(p)
		}
		if err != nil {
			return err
		}
		if consumed == 0 {
			// Need more input than was provided; wait for the next Write.
			return nil
		}
		p = p[consumed:]
	}
	return nil
}

// stepSizeLine consumes hex digits (and discarded ";ext" chunk extensions)
// up to the line-terminating CRLF.
func (d *ChunkDecoder) stepSizeLine(p []byte) (int, error) {
	for i := 0; i < len(p); i++ {
		b := p[i]
		switch {
		case b == ';':
			d.inExt = true
		case b == '\r':
			continue
		case b == '\n':
			size, err := strconv.ParseUint(d.sizeBuf.String(), 16, 63)
			if err != nil {
				return 0, protocolErr("invalid chunk size %q", d.sizeBuf.String())
			}
			d.sizeBuf.Reset()
			d.inExt = false
			d.size = int(size)
			d.read = 0
			if d.size == 0 {
				d.phase = chunkTrailer
			} else {
				d.phase = chunkData
			}
			return i + 1, nil
		case d.inExt:
			// chunk extensions are discarded per spec.md §4.2
		default:
			d.sizeBuf.WriteByte(b)
			if d.sizeBuf.Len() > maxChunkSizeDigits {
				return 0, protocolErr("chunk size too big")
			}
		}
	}
	return len(p), nil
}

// stepData copies up to size-read bytes into the output chunk queue.
func (d *ChunkDecoder) stepData(p []byte) (int, error) {
	remaining := d.size - d.read
	n := len(p)
	if n > remaining {
		n = remaining
	}
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		d.chunks = append(d.chunks, chunk)
		d.read += n
	}
	if d.read == d.size {
		d.phase = chunkDataEnded
	}
	return n, nil
}

// stepCRLF requires a literal CRLF, transitioning to next on success.
func (d *ChunkDecoder) stepCRLF(p []byte, next chunkPhase) (int, error) {
	i := 0
	for i < len(p) && d.crlfWant < 2 {
		want := byte('\r')
		if d.crlfWant == 1 {
			want = '\n'
		}
		if p[i] != want {
			return 0, protocolErr("expected CRLF after chunk data")
		}
		d.crlfWant++
		i++
	}
	if d.crlfWant == 2 {
		d.crlfWant = 0
		d.phase = next
	}
	return i, nil
}

// stepTrailer accumulates until a double-CRLF terminates the trailer block,
// then splits the block into header lines added to d.trailer.
func (d *ChunkDecoder) stepTrailer(p []byte) (int, error) {
	for i := 0; i < len(p); i++ {
		d.trailerBuf.WriteByte(p[i])
		if d.trailerBuf.Len() > maxTrailerLen {
			return 0, protocolErr("trailer too long")
		}
		if bytes.HasSuffix(d.trailerBuf.Bytes(), []byte("\r\n\r\n")) {
			if err := d.finishTrailer(); err != nil {
				return 0, err
			}
			return i + 1, nil
		}
		// A decoder with no trailer fields sees just "\r\n" after the
		// zero-size line's own CRLF was already consumed by stepSizeLine.
		if d.trailerBuf.Len() == 2 && bytes.Equal(d.trailerBuf.Bytes(), []byte("\r\n")) {
			if err := d.finishTrailer(); err != nil {
				return 0, err
			}
			return i + 1, nil
		}
	}
	return len(p), nil
}

func (d *ChunkDecoder) finishTrailer() error {
	raw := d.trailerBuf.String()
	d.trailerBuf.Reset()
	for _, line := range splitLines(raw) {
		if line == "" {
			continue
		}
		idx := bytes.IndexByte([]byte(line), ':')
		if idx < 0 {
			continue
		}
		name := trimOWS(line[:idx])
		value := trimOWS(line[idx+1:])
		_ = d.trailer.Add(name, value)
	}
	d.phase = chunkEnd
	return nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			line = bytesTrimSuffixCR(line)
			out = append(out, line)
			start = i + 1
		}
	}
	return out
}

func bytesTrimSuffixCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
