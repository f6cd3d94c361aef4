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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCollectionAddGet(t *testing.T) {
	h := NewHeaderCollection()
	require.NoError(t, h.Add("Origin", "http://example.com"))
	v, ok := h.Get("origin")
	require.True(t, ok)
	assert.Equal(t, "http://example.com", v)
}

func TestHeaderCollectionDirectionLock(t *testing.T) {
	h := NewHeaderCollection()
	require.NoError(t, h.Add("Cookie", "a=b"))
	dir, ok := h.Mode()
	require.True(t, ok)
	assert.Equal(t, DirRequest, dir)

	err := h.Add("Set-Cookie", "a=b")
	require.Error(t, err)
	var wserr *WSError
	require.ErrorAs(t, err, &wserr)
	assert.Equal(t, ValidationError, wserr.Kind)
}

func TestHeaderCollectionRestrictedRejectsGenericAdd(t *testing.T) {
	h := NewHeaderCollection()
	err := h.Add("Content-Length", "10")
	require.Error(t, err)
}

func TestHeaderCollectionValuesAndDel(t *testing.T) {
	h := NewHeaderCollection()
	require.NoError(t, h.Add("Sec-WebSocket-Protocol", "chat"))
	require.NoError(t, h.Add("Sec-WebSocket-Protocol", "superchat"))
	assert.Equal(t, []string{"chat", "superchat"}, h.Values("sec-websocket-protocol"))

	h.Del("Sec-WebSocket-Protocol")
	assert.Empty(t, h.Values("Sec-WebSocket-Protocol"))
}

func TestHeaderCollectionContains(t *testing.T) {
	h := NewHeaderCollection()
	require.NoError(t, h.Add("Connection", "keep-alive, Upgrade"))
	assert.True(t, h.Contains("Connection", "upgrade"))
	assert.False(t, h.Contains("Connection", "close"))
}

func TestHeaderCollectionInvalidName(t *testing.T) {
	h := NewHeaderCollection()
	err := h.Add("bad header", "x")
	require.Error(t, err)
}
