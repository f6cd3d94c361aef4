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

// HeaderDirection is a bitset of the message directions a header field may
// legally appear in.
type HeaderDirection int

const (
	DirRequest HeaderDirection = 1 << iota
	DirResponse
)

// headerMode tags a HeaderCollection's locked direction, per spec.md §3:
// "once typed by first insertion of a direction-specific header, the
// opposite direction is locked".
type headerMode int

const (
	modeUnspecified headerMode = iota
	modeRequest
	modeResponse
)

// fieldMeta is the per-known-field metadata table entry from spec.md §4.1.
type fieldMeta struct {
	direction    HeaderDirection
	restricted   bool
	multiRequest bool
	multiResponse bool
}

// fieldTable enumerates every header this package treats specially. Names
// not present here are treated as DirRequest|DirResponse, unrestricted,
// single-value-typical-but-not-enforced — matching how real servers handle
// unknown extension headers.
//
// Naming taken from the constants catalog in mallardduck/go-http-helpers.
var fieldTable = map[string]fieldMeta{
	"Host":                      {direction: DirRequest, restricted: true},
	"Content-Length":            {direction: DirRequest | DirResponse, restricted: true},
	"Transfer-Encoding":         {direction: DirRequest | DirResponse, restricted: true, multiRequest: true, multiResponse: true},
	"Connection":                {direction: DirRequest | DirResponse, multiRequest: true, multiResponse: true},
	"Upgrade":                   {direction: DirRequest | DirResponse},
	"Cookie":                    {direction: DirRequest, multiRequest: true},
	"Set-Cookie":                {direction: DirResponse, multiResponse: true},
	"Authorization":             {direction: DirRequest},
	"Proxy-Authorization":       {direction: DirRequest},
	"WWW-Authenticate":          {direction: DirResponse, multiResponse: true},
	"Proxy-Authenticate":        {direction: DirResponse, multiResponse: true},
	"Origin":                    {direction: DirRequest},
	"Sec-WebSocket-Key":         {direction: DirRequest},
	"Sec-WebSocket-Accept":      {direction: DirResponse, restricted: true},
	"Sec-WebSocket-Version":     {direction: DirRequest, multiRequest: true},
	"Sec-WebSocket-Protocol":    {direction: DirRequest | DirResponse, multiRequest: true, multiResponse: true},
	"Sec-WebSocket-Extensions":  {direction: DirRequest | DirResponse, multiRequest: true, multiResponse: true},
	"Location":                  {direction: DirResponse},
	"Date":                      {direction: DirResponse, restricted: true},
	"Server":                    {direction: DirResponse},
	"Content-Type":              {direction: DirRequest | DirResponse},
}

// headerEntry is one stored (original-case name, value) pair.
type headerEntry struct {
	name  string // original casing as first seen
	value string
}

// HeaderCollection is the ordered, case-insensitive-on-name multimap from
// spec.md §3. The zero value is ready to use.
type HeaderCollection struct {
	mode    headerMode
	entries []headerEntry
}

// NewHeaderCollection returns an empty, Unspecified-mode collection.
func NewHeaderCollection() *HeaderCollection { return &HeaderCollection{} }

func canonicalKey(name string) string { return strings.ToLower(name) }

func lookupMeta(name string) (fieldMeta, bool) {
	// fieldTable keys are canonical-cased; do a case-insensitive scan once
	// rather than maintaining a second lowercase index, since the table is
	// small and built once at package init.
	for k, m := range fieldTable {
		if strings.EqualFold(k, name) {
			return m, true
		}
	}
	return fieldMeta{}, false
}

// Add inserts name/value. If name is a direction-specific header and the
// collection is already locked to the opposite direction, Add fails with
// WrongDirection (ErrorKind ValidationError).
func (h *HeaderCollection) Add(name, value string) error {
	return h.add(name, value, false)
}

// addRestricted is the internal capability path used by the response
// builder (C4) to mutate restricted headers like Content-Length.
func (h *HeaderCollection) addRestricted(name, value string) error {
	return h.add(name, value, true)
}

func (h *HeaderCollection) add(name, value string, privileged bool) error {
	if !isToken(name) {
		return newErr(ValidationError, 0, "invalid header field name %q", name)
	}
	value = trimOWS(value)
	if len(value) > maxHeaderValueLen {
		return newErr(ValidationError, 0, "header %q value too long", name)
	}
	if meta, ok := lookupMeta(name); ok {
		if meta.restricted && !privileged {
			return newErr(ValidationError, 0, "header %q is restricted and cannot be set via the generic API", name)
		}
		if meta.direction == DirRequest && h.mode == modeResponse {
			return newErr(ValidationError, 0, "WrongDirection: %q is request-only but collection is locked Response", name)
		}
		if meta.direction == DirResponse && h.mode == modeRequest {
			return newErr(ValidationError, 0, "WrongDirection: %q is response-only but collection is locked Request", name)
		}
		if h.mode == modeUnspecified {
			switch meta.direction {
			case DirRequest:
				h.mode = modeRequest
			case DirResponse:
				h.mode = modeResponse
			}
		}
	}
	h.entries = append(h.entries, headerEntry{name: name, value: value})
	return nil
}

// Get returns the first value stored for name, and whether it was present.
func (h *HeaderCollection) Get(name string) (string, bool) {
	key := canonicalKey(name)
	for _, e := range h.entries {
		if canonicalKey(e.name) == key {
			return e.value, true
		}
	}
	return "", false
}

// Values returns every value stored for name, in insertion order.
func (h *HeaderCollection) Values(name string) []string {
	key := canonicalKey(name)
	var out []string
	for _, e := range h.entries {
		if canonicalKey(e.name) == key {
			out = append(out, e.value)
		}
	}
	return out
}

// Del removes every entry for name.
func (h *HeaderCollection) Del(name string) {
	key := canonicalKey(name)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if canonicalKey(e.name) != key {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Mode reports the collection's locked direction, if any.
func (h *HeaderCollection) Mode() (HeaderDirection, bool) {
	switch h.mode {
	case modeRequest:
		return DirRequest, true
	case modeResponse:
		return DirResponse, true
	default:
		return 0, false
	}
}

// Contains reports whether header name has a token value equal to want,
// case-insensitively, splitting on commas first (RFC 7230 list syntax) —
// the same test the teacher's wsHeaderContains performs for Upgrade and
// Connection.
func (h *HeaderCollection) Contains(name, want string) bool {
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(trimOWS(tok), want) {
				return true
			}
		}
	}
	return false
}

// Each calls fn once per stored entry, in insertion order.
func (h *HeaderCollection) Each(fn func(name, value string)) {
	for _, e := range h.entries {
		fn(e.name, e.value)
	}
}
