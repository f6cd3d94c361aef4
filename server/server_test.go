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
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartListenerRejectsInvalidOptions(t *testing.T) {
	reg := NewRegistry(NewNopLogger())
	_, err := StartListener(reg, &Options{}, newRecordingHost(), nil, "/")
	require.Error(t, err)
}

func TestStartListenerBindsAndRegistersPrefix(t *testing.T) {
	reg := NewRegistry(NewNopLogger())
	o := &Options{Host: "127.0.0.1", Port: 18181, NoTLS: true, Logger: NewNopLogger()}

	ep, err := StartListener(reg, o, newRecordingHost(), nil, "/chat/")
	require.NoError(t, err)
	require.NotNil(t, ep)
	defer ep.Close()

	_, ok := ep.lookup("127.0.0.1", "/chat/room")
	assert.True(t, ok)
}

func TestStartListenerServesHTTPFallbackHandler(t *testing.T) {
	reg := NewRegistry(NewNopLogger())
	o := &Options{Host: "127.0.0.1", Port: 18182, NoTLS: true, Logger: NewNopLogger()}
	handler := &stubHTTPHandler{}

	ep, err := StartListener(reg, o, nil, handler, "/")
	require.NoError(t, err)
	defer ep.Close()

	require.NotNil(t, ep.ln)

	conn, err := net.Dial("tcp", ep.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: 127.0.0.1\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200")
}
