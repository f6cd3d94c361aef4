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

// maxHeaderValueLen is the §3 invariant on header field values.
const maxHeaderValueLen = 65535

// isTokenChar reports whether b is a valid RFC 2616 §2.2 "token" octet:
// any CHAR except CTLs or "separators".
func isTokenChar(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"',
		'/', '[', ']', '?', '=', '{', '}', ' ', '\t':
		return false
	}
	return b > 0x1f && b < 0x7f
}

// isToken reports whether s is entirely composed of token characters and
// non-empty.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

// isTextChar reports whether b may appear in an HTTP header "text"
// production: printable octets, HTAB, plus CR/LF only as part of folding,
// which is not accepted on input (spec.md §4.1).
func isTextChar(b byte) bool {
	return b == '\t' || (b >= 0x20 && b != 0x7f) || b >= 0x80
}

// isQuotedText reports whether b is valid inside a quoted-string (anything
// but the bare quote or backslash, which must be escaped).
func isQuotedText(b byte) bool {
	return b != '"' && b != '\\' && isTextChar(b)
}

// trimOWS trims the optional whitespace (space, HTAB) RFC 7230 allows around
// header field values.
func trimOWS(s string) string {
	return strings.Trim(s, " \t")
}

// splitRespectingQuotes splits s on sep, treating any run inside a matched
// pair of double quotes as non-splittable, per spec.md §4.1 ("a delimiter
// inside a double-quoted span is not a separator"). Backslash-escapes
// within a quoted span are honored so an escaped quote does not end the
// span early.
func splitRespectingQuotes(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case inQuotes && c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == sep && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

// unquote strips a surrounding pair of double quotes and undoes backslash
// escaping, if s is in fact quoted; otherwise s is returned unchanged.
func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	inner := s[1 : len(s)-1]
	var b strings.Builder
	b.Grow(len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// quoteIfNeeded double-quotes s if it contains ';', ',', a space, a tab or
// a double quote (the spec.md §3 cookie value rule, also used generically
// for header parameter values), backslash-escaping '"' and '\'.
func quoteIfNeeded(s string) string {
	if s == "" {
		return s
	}
	if strings.ContainsAny(s, ";, \t\"") {
		var b strings.Builder
		b.WriteByte('"')
		for i := 0; i < len(s); i++ {
			if s[i] == '"' || s[i] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(s[i])
		}
		b.WriteByte('"')
		return b.String()
	}
	return s
}
