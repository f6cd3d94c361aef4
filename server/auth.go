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
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// AuthScheme is the bitwise-selectable scheme set from spec.md §4.6, with
// a bearer-JWT-cookie scheme added per SPEC_FULL.md's domain stack.
type AuthScheme int

const (
	AuthNone AuthScheme = 1 << iota
	AuthAnonymous
	AuthBasic
	AuthDigest
	AuthBearerCookie
)

// CredentialFunc returns the stored secret for username. Basic compares
// the presented password against it as a bcrypt hash (or as plaintext when
// it is not one); Digest uses it as the plaintext password when computing
// HA1 = MD5(user:realm:password), so it is not a precomputed HA1.
type CredentialFunc func(username string) (password string, ok bool)

// nonceHashKey is a process-local HighwayHash key (spec.md's domain-stack
// note: nonces are hashed rather than stored verbatim as nonce-store map
// keys) generated once at package init.
var nonceHashKey = func() [32]byte {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return k
}()

func hashNonce(nonce string) uint64 {
	h, _ := highwayhash.New64(nonceHashKey[:])
	_, _ = h.Write([]byte(nonce))
	return h.Sum64()
}

// Authenticator negotiates Basic/Digest/bearer-cookie authentication for a
// listener prefix (C6).
type Authenticator struct {
	mu        sync.Mutex
	Realm     string
	Schemes   AuthScheme
	Creds     CredentialFunc
	JWTCookie string             // configured cookie name; Validate does not read it and takes the JWT only from "Authorization: Bearer"
	TrustedKeys []string          // nkeys account/operator public keys accepted as JWT issuers

	nonces    map[uint64]int // hashed nonce -> last-seen nc
	challengeLimiter *rate.Limiter
}

// NewAuthenticator returns a negotiator for the given realm and scheme
// bitset. challengeRate limits how often a single Authenticator issues
// fresh Digest challenges (burst 5, refill challengeRate per second),
// blunting brute-force nonce harvesting per spec.md's domain-stack rate
// limiting note.
func NewAuthenticator(realm string, schemes AuthScheme, creds CredentialFunc, challengeRate float64) *Authenticator {
	return &Authenticator{
		Realm:            realm,
		Schemes:          schemes,
		Creds:            creds,
		nonces:           make(map[uint64]int),
		challengeLimiter: rate.NewLimiter(rate.Limit(challengeRate), 5),
	}
}

// Challenge represents a 401 response's authentication requirement.
type Challenge struct {
	Scheme string
	Value  string // full WWW-Authenticate header value
}

// newNonce returns 16 random bytes, hex-encoded, per spec.md §4.6.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", wrapErr(TransportError, 0, err, "generating nonce")
	}
	return hex.EncodeToString(b[:]), nil
}

// BuildChallenges returns one Challenge per scheme bit set, honoring the
// challenge-issuance rate limit for Digest.
func (a *Authenticator) BuildChallenges() ([]Challenge, error) {
	var out []Challenge
	if a.Schemes&AuthBasic != 0 {
		out = append(out, Challenge{Scheme: "Basic", Value: fmt.Sprintf(`Basic realm=%q`, a.Realm)})
	}
	if a.Schemes&AuthDigest != 0 {
		if !a.challengeLimiter.Allow() {
			return nil, newErr(AuthFailed, 429, "too many digest challenges issued")
		}
		nonce, err := newNonce()
		if err != nil {
			return nil, err
		}
		opaque, err := newNonce()
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.nonces[hashNonce(nonce)] = 0
		a.mu.Unlock()
		out = append(out, Challenge{
			Scheme: "Digest",
			Value: fmt.Sprintf(`Digest realm=%q, nonce=%q, opaque=%q, algorithm=MD5, qop="auth"`,
				a.Realm, nonce, opaque),
		})
	}
	return out, nil
}

// digestParams parses "key=value, key=value" Authorization parameters.
func digestParams(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitRespectingQuotes(value, ',') {
		kv := splitRespectingQuotes(trimOWS(part), '=')
		if len(kv) < 2 {
			continue
		}
		out[strings.ToLower(trimOWS(kv[0]))] = unquote(trimOWS(strings.Join(kv[1:], "=")))
	}
	return out
}

// Validate checks an incoming Authorization header against the configured
// schemes. method/uri are the request method and request-target, needed
// for Digest's HA2. Returns nil on success.
func (a *Authenticator) Validate(authorization, method, uri string) error {
	if a.Schemes&AuthNone != 0 {
		return nil
	}
	if authorization == "" {
		return newErr(AuthFailed, 401, "missing Authorization header")
	}
	scheme, value, ok := strings.Cut(authorization, " ")
	if !ok {
		return newErr(AuthFailed, 401, "malformed Authorization header")
	}
	switch {
	case strings.EqualFold(scheme, "Basic") && a.Schemes&AuthBasic != 0:
		return a.validateBasic(value)
	case strings.EqualFold(scheme, "Digest") && a.Schemes&AuthDigest != 0:
		return a.validateDigest(value, method, uri)
	case strings.EqualFold(scheme, "Bearer") && a.Schemes&AuthBearerCookie != 0:
		return a.validateBearer(value)
	default:
		return newErr(AuthFailed, 401, "unsupported authentication scheme %q", scheme)
	}
}

func (a *Authenticator) validateBasic(value string) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return newErr(AuthFailed, 401, "malformed Basic credentials")
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return newErr(AuthFailed, 401, "malformed Basic credentials")
	}
	stored, ok := a.Creds(user)
	if !ok {
		return newErr(AuthFailed, 401, "unknown user")
	}
	// stored is a bcrypt hash; a plaintext stored value (tests, migration)
	// falls back to direct comparison.
	if strings.HasPrefix(stored, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(pass)) != nil {
			return newErr(AuthFailed, 401, "bad credentials")
		}
		return nil
	}
	if stored != pass {
		return newErr(AuthFailed, 401, "bad credentials")
	}
	return nil
}

func (a *Authenticator) validateDigest(value, method, uri string) error {
	p := digestParams(value)
	user, nonce, resp := p["username"], p["nonce"], p["response"]
	if user == "" || nonce == "" || resp == "" {
		return newErr(AuthFailed, 401, "missing digest parameters")
	}
	key := hashNonce(nonce)
	a.mu.Lock()
	lastNC, known := a.nonces[key]
	a.mu.Unlock()
	if !known {
		return &WSError{Kind: AuthStale, Code: 401, Message: "unknown or expired nonce"}
	}
	nc64, err := strconv.ParseInt(p["nc"], 16, 64)
	if err != nil {
		return newErr(AuthFailed, 401, "invalid nc")
	}
	nc := int(nc64)
	if nc <= lastNC {
		return &WSError{Kind: AuthStale, Code: 401, Message: "nonce-count did not strictly increase"}
	}
	stored, ok := a.Creds(user)
	if !ok {
		return newErr(AuthFailed, 401, "unknown user")
	}
	ha1 := md5hex(user + ":" + a.Realm + ":" + stored)
	if strings.EqualFold(p["algorithm"], "MD5-sess") {
		ha1 = md5hex(ha1 + ":" + nonce + ":" + p["cnonce"])
	}
	ha2 := md5hex(method + ":" + uri)
	qop := p["qop"]
	var want string
	if qop != "" {
		want = md5hex(ha1 + ":" + nonce + ":" + p["nc"] + ":" + p["cnonce"] + ":" + qop + ":" + ha2)
	} else {
		want = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}
	if !strings.EqualFold(want, resp) {
		return newErr(AuthFailed, 401, "digest response mismatch")
	}
	a.mu.Lock()
	a.nonces[key] = nc
	a.mu.Unlock()
	return nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// validateBearer verifies a NATS-style signed JWT (nats-io/jwt/v2 +
// nats-io/nkeys), per SPEC_FULL.md's bearer-JWT-cookie domain-stack entry.
func (a *Authenticator) validateBearer(token string) error {
	claims, err := jwt.DecodeGeneric(token)
	if err != nil {
		return newErr(AuthFailed, 401, "malformed bearer JWT: %v", err)
	}
	if len(a.TrustedKeys) == 0 {
		return newErr(AuthFailed, 401, "no trusted keys configured for bearer JWT")
	}
	trusted := false
	for _, k := range a.TrustedKeys {
		if claims.Issuer == k {
			trusted = true
			break
		}
	}
	if !trusted {
		return newErr(AuthFailed, 401, "JWT issuer %q is not trusted", claims.Issuer)
	}
	if _, err := nkeys.FromPublicKey(claims.Issuer); err != nil {
		return newErr(AuthFailed, 401, "JWT issuer is not a valid nkey: %v", err)
	}
	if claims.Expires > 0 && claims.Expires < nowUnix() {
		return newErr(AuthFailed, 401, "JWT has expired")
	}
	return nil
}

// nowUnix is a var so tests can stub clock behavior without touching real
// time; default is wall-clock seconds.
var nowUnix = func() int64 { return time.Now().Unix() }
