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
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Options configures one EndpointListener, generalized from the teacher's
// WebsocketOpts/validateWebsocketOptions into the spec's listener,
// handshake and connection knobs (spec.md §5 timeouts, TLS hook, origin
// policy, auth scheme bitset, permessage-deflate defaults).
type Options struct {
	Host string
	Port int

	TLSConfig *tls.Config
	NoTLS     bool

	// AllowedOrigins and SameOrigin drive the handshake's Origin check (see
	// CheckOrigin); with neither set, every non-empty Origin is rejected.
	AllowedOrigins []string
	SameOrigin     bool

	Subprotocols []string
	OfferDeflate bool

	AuthSchemes   AuthScheme
	Realm         string
	Creds         CredentialFunc
	ChallengeRate float64 // digest challenges/sec, see Authenticator
	JWTCookie     string
	TrustedKeys   []string

	MaxMessageSize       int
	MaxOutgoingFrameSize int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	CloseGrace           time.Duration

	Logger *Logger
}

// allowedOrigin is one parsed entry from Options.AllowedOrigins, keyed by
// host for O(1) lookup during the handshake's origin check.
type allowedOrigin struct {
	scheme string
	port   string
}

// validateOptions mirrors the teacher's validateWebsocketOptions: cheap,
// fail-fast checks performed once before a listener binds.
func validateOptions(o *Options) error {
	if o.Port == 0 {
		return newErr(ValidationError, 0, "listener port must be set")
	}
	if o.TLSConfig == nil && !o.NoTLS {
		return newErr(ValidationError, 0, "listener requires a TLS configuration unless NoTLS is set")
	}
	for _, ao := range o.AllowedOrigins {
		if _, err := url.Parse(ao); err != nil {
			return newErr(ValidationError, 0, "unable to parse allowed origin %q: %v", ao, err)
		}
	}
	if o.JWTCookie != "" && len(o.TrustedKeys) == 0 {
		return newErr(ValidationError, 0, "JWTCookie %q configured but no TrustedKeys provided", o.JWTCookie)
	}
	if o.AuthSchemes&(AuthBasic|AuthDigest) != 0 && o.Creds == nil {
		return newErr(ValidationError, 0, "Basic/Digest auth scheme configured but no CredentialFunc provided")
	}
	return nil
}

// hostAndPort splits a host:port pair, defaulting the port to 80/443 by
// scheme when omitted, matching the teacher's wsGetHostAndPort.
func hostAndPort(secure bool, hostport string) (string, string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		if ae, ok := err.(*net.AddrError); ok && strings.Contains(ae.Err, "missing port") {
			err = nil
			host = hostport
			if secure {
				port = "443"
			} else {
				port = "80"
			}
		}
	}
	return strings.ToLower(host), port, err
}

// originAllowlist builds a host->allowedOrigin index from o.AllowedOrigins,
// logging and skipping (rather than failing) any entry that fails to
// parse as a request URI, matching the teacher's wsSetOriginOptions.
func originAllowlist(o *Options, log *Logger) map[string]*allowedOrigin {
	if len(o.AllowedOrigins) == 0 {
		return nil
	}
	out := make(map[string]*allowedOrigin, len(o.AllowedOrigins))
	for _, ao := range o.AllowedOrigins {
		u, err := url.ParseRequestURI(ao)
		if err != nil {
			log.Errorf("error parsing allowed origin %q: %v", ao, err)
			continue
		}
		h, p, _ := hostAndPort(u.Scheme == "https" || u.Scheme == "wss", u.Host)
		out[h] = &allowedOrigin{scheme: u.Scheme, port: p}
	}
	return out
}

// CheckOrigin builds the handshake's origin-check callback from o. An empty
// Origin is accepted; otherwise the origin is accepted when SameOrigin is
// set and it matches requestHost, or when AllowedOrigins lists its host
// with the same scheme and port. Any other origin is rejected, including a
// same-origin one when SameOrigin is false.
func (o *Options) CheckOrigin(requestHost string) func(origin string) error {
	log := o.Logger
	if log == nil {
		log = NewNopLogger()
	}
	allowed := originAllowlist(o, log)
	return func(origin string) error {
		if origin == "" {
			return nil
		}
		u, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("malformed Origin header: %v", err)
		}
		h, p, _ := hostAndPort(u.Scheme == "https" || u.Scheme == "wss", u.Host)
		if o.SameOrigin {
			rh, rp, _ := hostAndPort(u.Scheme == "https" || u.Scheme == "wss", requestHost)
			if h == rh && p == rp {
				return nil
			}
		}
		if ao, ok := allowed[h]; ok && ao.scheme == u.Scheme && (ao.port == "" || ao.port == p) {
			return nil
		}
		return fmt.Errorf("origin %q is not allowed", origin)
	}
}

// NewAuthenticatorFromOptions wires the Authenticator (C6) plus the bearer-
// cookie JWT extension from Options, returning nil if AuthSchemes leaves
// nothing to negotiate.
func NewAuthenticatorFromOptions(o *Options) *Authenticator {
	if o.AuthSchemes == 0 {
		return nil
	}
	a := NewAuthenticator(o.Realm, o.AuthSchemes, o.Creds, o.ChallengeRate)
	a.JWTCookie = o.JWTCookie
	a.TrustedKeys = o.TrustedKeys
	return a
}

// ConnOptionsFromOptions builds the per-connection defaults shared by every
// WebSocket upgrade on a listener bound with o.
func ConnOptionsFromOptions(o *Options) ConnOptions {
	return ConnOptions{
		MaxMessageSize:       o.MaxMessageSize,
		MaxOutgoingFrameSize: o.MaxOutgoingFrameSize,
		PingInterval:         o.PingInterval,
		PongTimeout:          o.PongTimeout,
		CloseGrace:           o.CloseGrace,
		Logger:               o.Logger,
	}
}

// ListenAddress renders o.Host/o.Port as a net.Listen-ready address,
// defaulting an empty Host to the wildcard address.
func (o *Options) ListenAddress() string {
	host := o.Host
	if host == "*" || host == "+" {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(o.Port))
}
