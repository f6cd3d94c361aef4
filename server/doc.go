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

// Package server implements the wsgate core protocol engine: an embedded
// HTTP/1.1 listener with URI-prefix dispatch, and an RFC 6455 WebSocket
// client/server endpoint layered on top of it, including permessage-deflate
// (RFC 7692), chunked transfer-encoding, cookies and HTTP authentication
// challenges.
//
// Filesystem certificate loading and command-line tooling are external to
// this package: callers supply a ready *tls.Config when TLS is wanted.
// StartListener and Dial open the TCP (or TLS) sockets themselves, and
// NewConn also runs over any caller-provided net.Conn. Callers supply a
// BehaviorHost implementation (see session.go).
package server
