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
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptOneHandshake listens once on 127.0.0.1 and performs the server side
// of an opening handshake against whatever connects, returning the port to
// dial and a channel carrying the outcome.
func acceptOneHandshake(t *testing.T, subprotocols []string) (port int, outcome chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	outcome = make(chan error, 1)

	go func() {
		conn, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			outcome <- err
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := ReadRequest(br)
		if err != nil {
			outcome <- err
			return
		}
		bw := bufio.NewWriter(conn)
		_, err = AcceptUpgrade(req, bw, ServerHandshakeConfig{Subprotocols: subprotocols})
		outcome <- err
		if err == nil {
			// Keep the connection open briefly so the client's Conn can
			// complete construction before the transport goes away.
			time.Sleep(100 * time.Millisecond)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.Port, outcome
}

func TestDialPerformsOpeningHandshake(t *testing.T) {
	port, outcome := acceptOneHandshake(t, []string{"chat"})

	c, err := Dial(DialConfig{
		URL:          fmt.Sprintf("ws://127.0.0.1:%d/chat", port),
		Subprotocols: []string{"chat"},
		DialTimeout:  2 * time.Second,
	}, newRecordingHost())
	require.NoError(t, err)
	defer c.transport.Close()

	assert.Equal(t, "chat", c.Subprotocol())

	select {
	case err := <-outcome:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake goroutine never finished")
	}
}

func TestDialRejectsUnparseableURL(t *testing.T) {
	_, err := Dial(DialConfig{URL: "://bad"}, newRecordingHost())
	require.Error(t, err)
	var wserr *WSError
	require.ErrorAs(t, err, &wserr)
	assert.Equal(t, ValidationError, wserr.Kind)
}

func TestDialReturnsTransportErrorWhenNothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Dial(DialConfig{
		URL:         fmt.Sprintf("ws://127.0.0.1:%d/", port),
		DialTimeout: 500 * time.Millisecond,
	}, newRecordingHost())
	require.Error(t, err)
	var wserr *WSError
	require.ErrorAs(t, err, &wserr)
	assert.Equal(t, TransportError, wserr.Kind)
}
