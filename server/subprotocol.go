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

import "strings"

// selectSubprotocol picks the first client-listed protocol that the server
// also supports (spec.md §4.7: "first-client-listed wins"). Only the
// server handshake calls it; the client side checks the server's pick
// against its own offer separately.
func selectSubprotocol(clientOffered, serverSupported []string) string {
	for _, want := range clientOffered {
		want = trimOWS(want)
		for _, have := range serverSupported {
			if strings.EqualFold(want, have) {
				return have
			}
		}
	}
	return ""
}
