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
	"strconv"
	"strings"
	"time"
)

// SameSite mirrors the RFC 6265bis SameSite cookie attribute.
type SameSite int

const (
	SameSiteDefault SameSite = iota
	SameSiteNone
	SameSiteLax
	SameSiteStrict
)

// Cookie is the data model from spec.md §3. The zero Expires is treated as
// "session cookie" (scenario F: Expires == min_value when absent).
type Cookie struct {
	Name       string
	Value      string
	Path       string
	Domain     string
	Expires    time.Time
	MaxAge     int
	HasMaxAge  bool
	PortList   string
	Comment    string
	CommentURI string
	Discard    bool
	Secure     bool
	HTTPOnly   bool
	SameSite   SameSite
	Version    int
	Timestamp  time.Time
}

// identity returns the (name, path, domain, version) tuple that cookie
// collection operations use to detect an existing cookie to replace.
func (c *Cookie) identity() [4]string {
	return [4]string{c.Name, c.Path, c.Domain, strconv.Itoa(c.Version)}
}

// Expired reports whether the cookie's Expires has already passed, used by
// CookieCollection.SetOrRemove (spec.md §3).
func (c *Cookie) Expired() bool {
	return !c.Expires.IsZero() && c.Expires.Before(time.Now())
}

// validateCookieName enforces spec.md §9's resolved ambiguity: the name
// must be an RFC 2616 token and must not be null or "$"-prefixed.
func validateCookieName(name string) error {
	if name == "" {
		return newErr(ValidationError, 0, "cookie name must not be empty")
	}
	if strings.HasPrefix(name, "$") {
		return newErr(ValidationError, 0, "cookie name %q must not start with '$'", name)
	}
	if !isToken(name) {
		return newErr(ValidationError, 0, "cookie name %q is not a valid token", name)
	}
	return nil
}

// NewCookie validates name/value per spec.md §3/§9 (RFC 6265 behavior:
// empty value is allowed; values containing ';' or ',' must be quoted on
// the wire, which Format handles).
func NewCookie(name, value string) (*Cookie, error) {
	if err := validateCookieName(name); err != nil {
		return nil, err
	}
	return &Cookie{Name: name, Value: value, Version: 0, Timestamp: time.Now()}, nil
}

// cookieDateFormat is the wire format from spec.md §6: "ddd, dd-MMM-yyyy
// HH:mm:ss GMT", en-US, UTC.
const cookieDateFormat = "Mon, 02-Jan-2006 15:04:05 GMT"

// expiresFormats lists the Set-Cookie Expires layouts parseExpires accepts;
// the value may be split across two comma-separated fragments (spec.md §4.3).
var expiresFormats = []string{
	cookieDateFormat,
	"Mon, 02-Jan-06 15:04:05 GMT",
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 02 Jan 2006 15:04:05 GMT",
	"Monday, 02-Jan-06 15:04:05 GMT",
}

func parseExpires(s string) (time.Time, bool) {
	s = trimOWS(s)
	for _, f := range expiresFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Format renders the cookie as a Set-Cookie header value. Version 0 emits
// Expires; version 1 emits Max-Age; at most one of them is present, per
// spec.md §4.3 ("Max-Age overrides Expires on output").
func (c *Cookie) Format() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(c.Value))
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	switch {
	case c.HasMaxAge && c.Version >= 1:
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	case !c.Expires.IsZero():
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(cookieDateFormat))
	}
	if c.Version >= 1 {
		b.WriteString("; Version=")
		b.WriteString(strconv.Itoa(c.Version))
		if c.Comment != "" {
			b.WriteString("; Comment=")
			b.WriteString(quoteIfNeeded(c.Comment))
		}
		if c.CommentURI != "" {
			b.WriteString("; CommentURL=")
			b.WriteString(quoteIfNeeded(c.CommentURI))
		}
		if c.Discard {
			b.WriteString("; Discard")
		}
		if c.PortList != "" {
			b.WriteString("; Port=\"")
			b.WriteString(c.PortList)
			b.WriteString("\"")
		}
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	switch c.SameSite {
	case SameSiteNone:
		b.WriteString("; SameSite=None")
	case SameSiteLax:
		b.WriteString("; SameSite=Lax")
	case SameSiteStrict:
		b.WriteString("; SameSite=Strict")
	}
	return b.String()
}

// ParseSetCookie parses a single Set-Cookie header value, across the
// Netscape/RFC 2109/2965/6265 attribute vocabularies (spec.md §4.3).
func ParseSetCookie(header string) (*Cookie, error) {
	parts := splitRespectingQuotes(header, ';')
	if len(parts) == 0 {
		return nil, newErr(ValidationError, 0, "empty Set-Cookie header")
	}
	nv := splitRespectingQuotes(trimOWS(parts[0]), '=')
	if len(nv) < 1 || trimOWS(nv[0]) == "" {
		return nil, newErr(ValidationError, 0, "Set-Cookie missing name")
	}
	name := trimOWS(nv[0])
	value := ""
	if len(nv) > 1 {
		value = unquote(trimOWS(strings.Join(nv[1:], "=")))
	}
	c, err := NewCookie(name, value)
	if err != nil {
		return nil, err
	}

	var pendingExpiresFragment string
	for i := 1; i < len(parts); i++ {
		attr := trimOWS(parts[i])
		if attr == "" {
			continue
		}
		av := splitRespectingQuotes(attr, '=')
		key := strings.ToLower(trimOWS(av[0]))
		val := ""
		if len(av) > 1 {
			val = unquote(trimOWS(strings.Join(av[1:], "=")))
		}
		switch key {
		case "version":
			if n, err := strconv.Atoi(val); err == nil {
				c.Version = n
			}
		case "expires":
			if pendingExpiresFragment != "" {
				// Rejoin: a malformed first fragment ("Wdy," with no date)
				// followed by the date continuation, per spec.md §4.3.
				if t, ok := parseExpires(pendingExpiresFragment + "," + val); ok {
					c.Expires = t
				}
				pendingExpiresFragment = ""
				continue
			}
			if t, ok := parseExpires(val); ok {
				c.Expires = t
			} else {
				pendingExpiresFragment = val
			}
		case "max-age":
			if n, err := strconv.Atoi(val); err == nil {
				c.MaxAge = n
				c.HasMaxAge = true
			}
		case "path":
			c.Path = val
		case "domain":
			c.Domain = strings.ToLower(val)
		case "port":
			c.PortList = val
		case "comment":
			c.Comment = val
		case "commenturl", "commenturi":
			c.CommentURI = val
		case "discard":
			c.Discard = true
		case "secure":
			c.Secure = true
		case "httponly":
			c.HTTPOnly = true
		case "samesite":
			switch strings.ToLower(val) {
			case "none":
				c.SameSite = SameSiteNone
			case "lax":
				c.SameSite = SameSiteLax
			case "strict":
				c.SameSite = SameSiteStrict
			}
		default:
			// If a bare continuation of an Expires date fragment shows up
			// without the "expires=" prefix (RFC 822 dates contain their
			// own commas), fold it onto the pending fragment.
			if pendingExpiresFragment != "" {
				if t, ok := parseExpires(pendingExpiresFragment + "," + attr); ok {
					c.Expires = t
					pendingExpiresFragment = ""
				}
			}
		}
	}
	return c, nil
}

// ParseCookieHeader parses a request Cookie header. $Version sets the
// version of the cookies that follow it; $Path/$Domain/$Port apply to the
// preceding cookie (spec.md §4.3).
func ParseCookieHeader(header string) ([]*Cookie, error) {
	parts := splitRespectingQuotes(header, ';')
	var out []*Cookie
	var cur *Cookie
	version := 0
	for _, raw := range parts {
		part := trimOWS(raw)
		if part == "" {
			continue
		}
		nv := splitRespectingQuotes(part, '=')
		name := trimOWS(nv[0])
		val := ""
		if len(nv) > 1 {
			val = unquote(trimOWS(strings.Join(nv[1:], "=")))
		}
		if strings.HasPrefix(name, "$") {
			attr := strings.ToLower(name[1:])
			if attr == "version" {
				if n, err := strconv.Atoi(val); err == nil {
					version = n
				}
				continue
			}
			if cur == nil {
				continue
			}
			switch attr {
			case "path":
				cur.Path = val
			case "domain":
				cur.Domain = val
			case "port":
				cur.PortList = val
			}
			continue
		}
		c, err := NewCookie(name, val)
		if err != nil {
			return nil, err
		}
		c.Version = version
		out = append(out, c)
		cur = c
	}
	return out, nil
}

// CookieCollection stores cookies by (name, path, domain, version)
// identity, per spec.md §3. It is writable by default; Seal() makes
// further mutation fail, addressing the "IsReadOnly" design-note ambiguity
// from spec.md §9 by making sealing an explicit opt-in.
type CookieCollection struct {
	sealed bool
	byID   map[[4]string]*Cookie
	order  []([4]string)
}

// NewCookieCollection returns an empty, writable collection.
func NewCookieCollection() *CookieCollection {
	return &CookieCollection{byID: make(map[[4]string]*Cookie)}
}

// Seal makes the collection read-only; further Set/SetOrRemove calls fail.
func (cc *CookieCollection) Seal() { cc.sealed = true }

// Set inserts c, replacing any existing cookie of identical identity.
func (cc *CookieCollection) Set(c *Cookie) error {
	if cc.sealed {
		return invalidStateErr("cookie collection is sealed")
	}
	id := c.identity()
	if _, exists := cc.byID[id]; !exists {
		cc.order = append(cc.order, id)
	}
	cc.byID[id] = c
	return nil
}

// SetOrRemove replaces an existing cookie of identical identity with c, or
// deletes it if c is already expired (spec.md §4.3).
func (cc *CookieCollection) SetOrRemove(c *Cookie) error {
	if cc.sealed {
		return invalidStateErr("cookie collection is sealed")
	}
	id := c.identity()
	if c.Expired() {
		delete(cc.byID, id)
		for i, o := range cc.order {
			if o == id {
				cc.order = append(cc.order[:i], cc.order[i+1:]...)
				break
			}
		}
		return nil
	}
	return cc.Set(c)
}

// All returns every stored cookie in insertion order.
func (cc *CookieCollection) All() []*Cookie {
	out := make([]*Cookie, 0, len(cc.order))
	for _, id := range cc.order {
		if c, ok := cc.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the cookie matching name/path/domain/version, if present.
func (cc *CookieCollection) Get(name, path, domain string, version int) (*Cookie, bool) {
	c, ok := cc.byID[[4]string{name, path, domain, strconv.Itoa(version)}]
	return c, ok
}
