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
	"net"
	"net/url"
	"time"
)

// DialConfig configures the client side of C7/C11 end to end: dialing the
// transport, performing the opening handshake, and configuring the
// resulting Conn.
type DialConfig struct {
	URL          string
	Subprotocols []string
	OfferDeflate bool
	Origin       string
	Cookies      []*Cookie
	ExtraHeaders *HeaderCollection
	Auth         string
	TLSConfig    *tls.Config // non-nil for wss://
	DialTimeout  time.Duration
	ConnOptions  ConnOptions
}

// Dial connects to a ws:// or wss:// URL, performs the opening handshake,
// and returns a Conn ready for Serve. TLS/TCP dialing is this package's
// only external collaborator boundary (spec.md §6); callers that need a
// proxy CONNECT tunnel for wss:// through a proxy should dial and wrap the
// net.Conn themselves and use DialUpgradeConn instead.
func Dial(cfg DialConfig, host BehaviorHost) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, newErr(ValidationError, 0, "invalid dial URL %q: %v", cfg.URL, err)
	}

	secure := u.Scheme == "wss" || u.Scheme == "https"
	addr := u.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if secure {
			addr = net.JoinHostPort(addr, "443")
		} else {
			addr = net.JoinHostPort(addr, "80")
		}
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var conn net.Conn
	if secure {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, wrapErr(TransportError, 0, err, "dialing %s", addr)
	}

	c, err := DialUpgradeConn(conn, u, cfg, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// DialUpgradeConn performs the opening handshake over an already-connected
// conn and wraps the result in a Conn. Exposed separately from Dial so
// callers that manage their own dialing/proxying/TLS can still reuse the
// handshake and connection-construction logic.
func DialUpgradeConn(conn net.Conn, u *url.URL, cfg DialConfig, host BehaviorHost) (*Conn, error) {
	result, err := DialUpgrade(conn, ClientHandshakeConfig{
		URL:          u,
		Subprotocols: cfg.Subprotocols,
		OfferDeflate: cfg.OfferDeflate,
		Origin:       cfg.Origin,
		Cookies:      cfg.Cookies,
		ExtraHeaders: cfg.ExtraHeaders,
		Auth:         cfg.Auth,
	})
	if err != nil {
		return nil, err
	}

	opts := cfg.ConnOptions
	opts.Role = RoleClient
	opts.Subprotocol = result.Subprotocol
	opts.Deflate = result.Deflate
	opts.PMCE = result.Extensions
	cookies := NewCookieCollection()
	for _, c := range result.Cookies {
		_ = cookies.Set(c)
	}
	opts.Cookies = cookies

	return NewConn(conn, host, opts), nil
}
