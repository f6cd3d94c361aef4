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

func TestChunkDecoderBasic(t *testing.T) {
	trailer := NewHeaderCollection()
	d := NewChunkDecoder(trailer)
	raw := "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	require.NoError(t, d.Write([]byte(raw)))
	assert.True(t, d.Done())
	var got bytes.Buffer
	for _, c := range d.TakeChunks() {
		got.Write(c)
	}
	assert.Equal(t, "Wikipedia", got.String())
}

func TestChunkDecoderByteAtATime(t *testing.T) {
	d := NewChunkDecoder(nil)
	raw := "3\r\nfoo\r\n0\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		require.NoError(t, d.Write([]byte{raw[i]}))
	}
	assert.True(t, d.Done())
	var got bytes.Buffer
	for _, c := range d.TakeChunks() {
		got.Write(c)
	}
	assert.Equal(t, "foo", got.String())
}

func TestChunkDecoderTrailer(t *testing.T) {
	trailer := NewHeaderCollection()
	d := NewChunkDecoder(trailer)
	raw := "3\r\nfoo\r\n0\r\nX-Trailer: bar\r\n\r\n"
	require.NoError(t, d.Write([]byte(raw)))
	assert.True(t, d.Done())
	v, ok := trailer.Get("X-Trailer")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestChunkDecoderExtensionsDiscarded(t *testing.T) {
	d := NewChunkDecoder(nil)
	raw := "4;ext=val\r\nabcd\r\n0\r\n\r\n"
	require.NoError(t, d.Write([]byte(raw)))
	var got bytes.Buffer
	for _, c := range d.TakeChunks() {
		got.Write(c)
	}
	assert.Equal(t, "abcd", got.String())
}

func TestChunkDecoderInvalidSize(t *testing.T) {
	d := NewChunkDecoder(nil)
	err := d.Write([]byte("zz\r\n"))
	require.Error(t, err)
}

func TestChunkDecoderRejectsWriteAfterDone(t *testing.T) {
	d := NewChunkDecoder(nil)
	require.NoError(t, d.Write([]byte("0\r\n\r\n")))
	require.True(t, d.Done())
	err := d.Write([]byte("more"))
	require.Error(t, err)
}
