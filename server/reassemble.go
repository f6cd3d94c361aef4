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

import "unicode/utf8"

// Reassembler implements C9: fragment continuation, control-frame
// interleaving, UTF-8 validation and size caps, generalized from the
// teacher's wsReadInfo{fs,ff,fc} fields into a standalone type any
// connection can drive frame-by-frame.
type Reassembler struct {
	MaxMessageSize int // 0 means unlimited

	inMessage  bool
	opcode     Opcode
	compressed bool
	buf        []byte
}

// NewReassembler returns a reassembler capping messages at maxMessageSize
// bytes (post fragmentation, pre decompression).
func NewReassembler(maxMessageSize int) *Reassembler {
	return &Reassembler{MaxMessageSize: maxMessageSize}
}

// Feed processes one data frame (Text/Binary/Continuation). It returns a
// complete Message when f.Fin completes a message, or (nil, nil) if more
// fragments are expected. Control frames must be handled by the caller
// before calling Feed (spec.md §4.9: "Control frames are permitted between
// fragments ... delivered immediately").
func (r *Reassembler) Feed(f *Frame) (*Message, error) {
	switch f.Opcode {
	case OpText, OpBinary:
		if r.inMessage {
			return nil, protocolErr("new message started before previous one finished")
		}
		r.inMessage = true
		r.opcode = f.Opcode
		r.compressed = f.RSV1
		r.buf = nil
	case OpContinuation:
		if !r.inMessage {
			return nil, protocolErr("continuation frame with no message in progress")
		}
		if f.RSV1 {
			return nil, protocolErr("RSV1 set on non-first fragment")
		}
	default:
		return nil, protocolErr("Feed called with control opcode %v", f.Opcode)
	}

	r.buf = append(r.buf, f.Payload...)
	if r.MaxMessageSize > 0 && len(r.buf) > r.MaxMessageSize {
		return nil, newErr(ResourceExhausted, wsCloseStatusMessageTooBig, "message exceeds maximum size of %d bytes", r.MaxMessageSize)
	}
	if !f.Fin {
		return nil, nil
	}

	payload := r.buf
	opcode := r.opcode
	compressed := r.compressed
	r.inMessage = false
	r.buf = nil

	if opcode == OpText && !compressed {
		if !utf8.Valid(payload) {
			return nil, newErr(ProtocolViolation, wsCloseStatusInvalidPayloadData, "invalid UTF-8 in text message")
		}
	}
	return &Message{Opcode: opcode, Compressed: compressed, Payload: payload}, nil
}

// ValidateDecompressedText re-checks UTF-8 validity after permessage-deflate
// inflation, per spec.md §4.9 ("validated after defragmentation and (if
// set) after decompression").
func ValidateDecompressedText(msg *Message) error {
	if msg.Opcode == OpText && !utf8.Valid(msg.Payload) {
		return newErr(ProtocolViolation, wsCloseStatusInvalidPayloadData, "invalid UTF-8 in decompressed text message")
	}
	return nil
}
