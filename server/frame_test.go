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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodecRoundTripServerToClient(t *testing.T) {
	enc := NewFrameCodec(RoleServer, false)
	frame := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}
	wire, err := enc.Encode(frame)
	require.NoError(t, err)

	dec := NewFrameCodec(RoleClient, false)
	got, err := dec.Decode(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, OpText, got.Opcode)
	assert.Equal(t, "hello", string(got.Payload))
	assert.False(t, got.Masked)
}

func TestFrameCodecRoundTripClientToServerIsMasked(t *testing.T) {
	enc := NewFrameCodec(RoleClient, false)
	frame := &Frame{Fin: true, Opcode: OpBinary, Payload: []byte{1, 2, 3, 4}}
	wire, err := enc.Encode(frame)
	require.NoError(t, err)
	assert.NotZero(t, wire[1]&maskBit)

	dec := NewFrameCodec(RoleServer, false)
	got, err := dec.Decode(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Payload)
}

func TestFrameCodecServerRejectsUnmaskedFrame(t *testing.T) {
	enc := NewFrameCodec(RoleServer, false)
	frame := &Frame{Fin: true, Opcode: OpText, Payload: []byte("x")}
	wire, err := enc.Encode(frame)
	require.NoError(t, err)

	dec := NewFrameCodec(RoleServer, false)
	_, err = dec.Decode(bytes.NewReader(wire))
	require.Error(t, err)
}

func TestFrameCodecRejectsReservedBitsWithoutExtension(t *testing.T) {
	dec := NewFrameCodec(RoleServer, false)
	wire := []byte{finBit | rsv1Bit | byte(OpText), maskBit | 0x01, 0, 0, 0, 0, 'x'}
	_, err := dec.Decode(bytes.NewReader(wire))
	require.Error(t, err)
}

func TestFrameCodecControlFrameMustBeFinal(t *testing.T) {
	dec := NewFrameCodec(RoleServer, false)
	wire := []byte{byte(OpPing), maskBit | 0x00, 0, 0, 0, 0}
	_, err := dec.Decode(bytes.NewReader(wire))
	require.Error(t, err)
}

func TestFrameCodecControlFrameTooLarge(t *testing.T) {
	dec := NewFrameCodec(RoleServer, false)
	payload := make([]byte, 126)
	hdr := []byte{finBit | byte(OpPing), maskBit | 126}
	var ext [2]byte
	ext[0] = 0
	ext[1] = 126
	wire := append(hdr, ext[:]...)
	wire = append(wire, 0, 0, 0, 0)
	wire = append(wire, payload...)
	_, err := dec.Decode(bytes.NewReader(wire))
	require.Error(t, err)
}

func TestFrameCodecExtendedLength16(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, 200)
	enc := NewFrameCodec(RoleServer, false)
	wire, err := enc.Encode(&Frame{Fin: true, Opcode: OpBinary, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, byte(126), wire[1])

	dec := NewFrameCodec(RoleClient, false)
	got, err := dec.Decode(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}
