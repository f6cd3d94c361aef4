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
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// deflateTrailer is the sync-flush marker Compress strips from each message
// and the inflate paths append back (RFC 7692 §7.2.2), grounded on the
// teacher's decompressorPool usage.
var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// deflateFinalBlock is an empty final stored block appended after
// deflateTrailer, so flate.Reader reaches a clean end of stream instead of
// reporting unexpected EOF after a sync-flushed message.
var deflateFinalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// PMCEParams are the permessage-deflate extension parameters from
// spec.md §4.10.
type PMCEParams struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int // 0 means "not specified", valid range [8,15]
	ClientMaxWindowBits     int
}

// ParseExtensionsHeader parses a Sec-WebSocket-Extensions header value and
// returns the permessage-deflate offer/acceptance, if present.
func ParseExtensionsHeader(value string) (PMCEParams, bool) {
	for _, ext := range splitRespectingQuotes(value, ',') {
		tokens := splitRespectingQuotes(ext, ';')
		if len(tokens) == 0 {
			continue
		}
		if !strings.EqualFold(trimOWS(tokens[0]), "permessage-deflate") {
			continue
		}
		p := PMCEParams{}
		for _, tok := range tokens[1:] {
			kv := strings.SplitN(trimOWS(tok), "=", 2)
			key := strings.ToLower(trimOWS(kv[0]))
			val := ""
			if len(kv) > 1 {
				val = unquote(trimOWS(kv[1]))
			}
			switch key {
			case "server_no_context_takeover":
				p.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				p.ClientNoContextTakeover = true
			case "server_max_window_bits":
				if val == "" {
					p.ServerMaxWindowBits = 15
				} else if n, err := strconv.Atoi(val); err == nil {
					p.ServerMaxWindowBits = n
				}
			case "client_max_window_bits":
				if val == "" {
					p.ClientMaxWindowBits = 15
				} else if n, err := strconv.Atoi(val); err == nil {
					p.ClientMaxWindowBits = n
				}
			}
		}
		return p, true
	}
	return PMCEParams{}, false
}

// validWindowBits reports whether b is 0 (unspecified) or within [8,15].
func validWindowBits(b int) bool { return b == 0 || (b >= 8 && b <= 15) }

// NegotiateServerAccept builds the server's accepted subset of an offer,
// per spec.md §4.10 ("Server accepts an offer by echoing a compatible
// subset"). Returns ok=false if the offer's window-bits values are out of
// range and cannot be accepted at all.
func NegotiateServerAccept(offer PMCEParams) (PMCEParams, bool) {
	if !validWindowBits(offer.ServerMaxWindowBits) || !validWindowBits(offer.ClientMaxWindowBits) {
		return PMCEParams{}, false
	}
	return offer, true
}

// VerifyClientAcceptance checks that the server's accepted parameters lie
// within what the client originally offered (spec.md §4.7: "client must
// verify the acceptance lies within its offer").
func VerifyClientAcceptance(offered, accepted PMCEParams) error {
	// A server may always additionally restrict context takeover even if
	// the client didn't request it; that is compatible, not a violation.
	if accepted.ServerMaxWindowBits != 0 && offered.ServerMaxWindowBits != 0 &&
		accepted.ServerMaxWindowBits > offered.ServerMaxWindowBits {
		return protocolErr("server accepted server_max_window_bits=%d exceeding offer %d", accepted.ServerMaxWindowBits, offered.ServerMaxWindowBits)
	}
	if accepted.ClientMaxWindowBits != 0 && offered.ClientMaxWindowBits != 0 &&
		accepted.ClientMaxWindowBits > offered.ClientMaxWindowBits {
		return protocolErr("server accepted client_max_window_bits=%d exceeding offer %d", accepted.ClientMaxWindowBits, offered.ClientMaxWindowBits)
	}
	return nil
}

// FormatExtensionsHeader renders p as a Sec-WebSocket-Extensions value.
func FormatExtensionsHeader(p PMCEParams) string {
	var b strings.Builder
	b.WriteString("permessage-deflate")
	if p.ServerNoContextTakeover {
		b.WriteString("; server_no_context_takeover")
	}
	if p.ClientNoContextTakeover {
		b.WriteString("; client_no_context_takeover")
	}
	if p.ServerMaxWindowBits != 0 {
		fmt.Fprintf(&b, "; server_max_window_bits=%d", p.ServerMaxWindowBits)
	}
	if p.ClientMaxWindowBits != 0 {
		fmt.Fprintf(&b, "; client_max_window_bits=%d", p.ClientMaxWindowBits)
	}
	return b.String()
}

// decompressorPool recycles flate.Reader instances across messages, as the
// teacher does, to amortize allocation; a pooled reader starts every
// message with an empty window, so it serves the no-context-takeover case.
var decompressorPool sync.Pool

// Deflater compresses outgoing messages for one connection direction. Each
// message is compressed on its own: no sliding window is carried from one
// message to the next, whichever context-takeover mode was negotiated.
type Deflater struct {
	noContextTakeover bool
	compressor        *flate.Writer
}

// NewDeflater returns an outbound compressor. noContextTakeover makes
// Compress allocate a fresh flate.Writer per message; otherwise one writer
// is reused through Reset, which also starts each message with an empty
// window.
func NewDeflater(noContextTakeover bool) *Deflater {
	return &Deflater{noContextTakeover: noContextTakeover}
}

// Compress deflates payload for an outgoing message, returning the raw
// deflate stream with the RFC 7692 trailer trimmed off.
func (d *Deflater) Compress(payload []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	if d.compressor == nil || d.noContextTakeover {
		w, err := flate.NewWriter(buf, flate.BestSpeed)
		if err != nil {
			return nil, wrapErr(TransportError, 0, err, "creating deflate writer")
		}
		d.compressor = w
	} else {
		d.compressor.Reset(buf)
	}
	if _, err := d.compressor.Write(payload); err != nil {
		return nil, wrapErr(TransportError, 0, err, "deflate write")
	}
	// Flush ends the output with the 00 00 ff ff sync marker trimmed below.
	if err := d.compressor.Flush(); err != nil {
		return nil, wrapErr(TransportError, 0, err, "deflate flush")
	}
	out := buf.Bytes()
	return out[:len(out)-len(deflateTrailer)], nil
}

// Inflate decompresses a complete message payload that had RSV1 set,
// appending the sync-flush trailer so flate.Reader sees a clean end of
// stream (spec.md §4.10 / invariant #5). It borrows a decompressor from
// the shared pool and is only correct for the no-context-takeover case,
// since a pooled instance's sliding window is not tied to any one
// connection; per-connection context takeover goes through Inflater.
func Inflate(payload []byte) ([]byte, error) {
	buf := append(append(append([]byte{}, payload...), deflateTrailer...), deflateFinalBlock...)
	br := bytes.NewReader(buf)
	d, _ := decompressorPool.Get().(io.ReadCloser)
	if d == nil {
		d = flate.NewReader(br)
	} else {
		d.(flate.Resetter).Reset(br, nil)
	}
	out, err := io.ReadAll(d)
	decompressorPool.Put(d)
	if err != nil {
		return nil, wrapErr(ProtocolViolation, wsCloseStatusProtocolError, err, "inflating message")
	}
	return out, nil
}

// Inflater decompresses inbound messages for one connection direction,
// maintaining its own sliding window across calls when context takeover
// is in effect (RFC 7692 §8.2.3) rather than sharing the global pool.
type Inflater struct {
	noContextTakeover bool
	r                 io.ReadCloser
	window            []byte // last 32 KiB of output, the dictionary for the next message
}

// NewInflater returns an inbound decompressor. noContextTakeover resets
// the sliding window after every message instead of carrying it forward.
func NewInflater(noContextTakeover bool) *Inflater {
	return &Inflater{noContextTakeover: noContextTakeover}
}

// Inflate decompresses one message payload, reusing this Inflater's
// window across calls unless no-context-takeover was negotiated.
func (in *Inflater) Inflate(payload []byte) ([]byte, error) {
	buf := append(append(append([]byte{}, payload...), deflateTrailer...), deflateFinalBlock...)
	br := bytes.NewReader(buf)
	if in.r == nil || in.noContextTakeover {
		in.r = flate.NewReader(br)
	} else {
		in.r.(flate.Resetter).Reset(br, in.window)
	}
	out, err := io.ReadAll(in.r)
	if err != nil {
		return nil, wrapErr(ProtocolViolation, wsCloseStatusProtocolError, err, "inflating message")
	}
	if !in.noContextTakeover {
		in.window = append(in.window, out...)
		if len(in.window) > 32768 {
			in.window = in.window[len(in.window)-32768:]
		}
	}
	return out, nil
}
