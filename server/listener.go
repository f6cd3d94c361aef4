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
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/time/rate"
)

// Timeouts from spec.md §4.5's per-connection lifecycle.
const (
	firstRequestTimeout = 90 * time.Second
	nextRequestTimeout  = 15 * time.Second
)

// PrefixBinding is what a registered URI prefix dispatches to: either a
// plain HTTP handler or a WebSocket behavior host (never both), plus the
// negotiation config the handshake/auth layers need for this prefix.
type PrefixBinding struct {
	HTTPHandler HTTPHandler // non-nil for a plain HTTP prefix
	WS          *WSBinding  // non-nil for a WebSocket upgrade prefix
	Auth        *Authenticator
}

// WSBinding bundles the handshake and connection configuration a prefix
// uses once a request upgrades successfully.
type WSBinding struct {
	Host         BehaviorHost
	Subprotocols []string
	OfferDeflate bool
	CheckOrigin  func(origin string) error
	ConnOptions  ConnOptions
}

// registeredPrefix is one entry in an EndpointListener's prefix catalog.
type registeredPrefix struct {
	host    string // exact host or "*"/"+" wildcard
	path    string // always ends with '/'
	seq     int    // registration order, for the earliest-wins tiebreak
	handle  string // short human-readable registration handle
	binding PrefixBinding
}

// ValidatePrefixPath enforces spec.md §4.5/§9: trailing slash required, no
// "%" or "//" anywhere in the path.
func ValidatePrefixPath(path string) error {
	if !strings.HasSuffix(path, "/") {
		return newErr(ValidationError, 400, "InvalidPrefix: path %q must end with '/'", path)
	}
	if strings.Contains(path, "%") || strings.Contains(path, "//") {
		return newErr(ValidationError, 400, "InvalidPrefix: path %q contains '%%' or '//'", path)
	}
	return nil
}

// EndpointListener is the per-(address,port,secure) prefix catalog and
// accept loop from spec.md §4.5/C5, grounded on the teacher's
// startWebsocketServer accept loop generalized to a shared registry
// keyed the way net/http.ServeMux keys by host+path, but with explicit
// longest-prefix-match and deterministic tie-breaking instead of Go's
// map iteration order.
type EndpointListener struct {
	Address string
	Port    int
	Secure  bool

	log *Logger

	mu       sync.RWMutex
	prefixes []registeredPrefix
	nextSeq  int

	ln       net.Listener
	handshakeLimiter *rate.Limiter
}

// NewEndpointListener returns an endpoint ready to accept Register calls;
// call Bind to actually start listening.
func NewEndpointListener(address string, port int, secure bool, log *Logger) *EndpointListener {
	if log == nil {
		log = NewNopLogger()
	}
	return &EndpointListener{
		Address:          address,
		Port:             port,
		Secure:           secure,
		log:              log,
		handshakeLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// Register adds a prefix binding for (host, path), returning a short
// human-readable registration handle distinct from any per-connection
// trace ID. Duplicate registration of an identical (host, path) pair is a
// no-op, returning the existing handle, per spec.md §4.5.
func (e *EndpointListener) Register(host, path string, binding PrefixBinding) (string, error) {
	if err := ValidatePrefixPath(path); err != nil {
		return "", err
	}
	if host == "" {
		host = "*"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.prefixes {
		if p.host == host && p.path == path {
			return p.handle, nil
		}
	}
	handle := shortuuid.New()
	e.prefixes = append(e.prefixes, registeredPrefix{host: host, path: path, seq: e.nextSeq, handle: handle, binding: binding})
	e.nextSeq++
	return handle, nil
}

// Deregister removes a previously registered prefix, if present.
func (e *EndpointListener) Deregister(host, path string) {
	if host == "" {
		host = "*"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.prefixes[:0]
	for _, p := range e.prefixes {
		if p.host != host || p.path != path {
			kept = append(kept, p)
		}
	}
	e.prefixes = kept
}

// hostMatches implements §4.5's "exact match or wildcard" rule. "*" and
// "+" both bind every host, matching the teacher's net.Listen("tcp",
// ":port") wildcard-address convention generalized to the Host header.
func hostMatches(pattern, host string) bool {
	if pattern == "*" || pattern == "+" {
		return true
	}
	// Host headers may carry a port; compare the hostname part only.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(pattern, host)
}

// lookup performs the §4.5 longest-path-match dispatch: among prefixes
// whose host matches and whose path is a prefix of reqPath, the longest
// path wins; ties broken by earliest registration.
func (e *EndpointListener) lookup(host, reqPath string) (PrefixBinding, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *registeredPrefix
	for i := range e.prefixes {
		p := &e.prefixes[i]
		if !hostMatches(p.host, host) {
			continue
		}
		if !strings.HasPrefix(reqPath, p.path) {
			continue
		}
		if best == nil ||
			len(p.path) > len(best.path) ||
			(len(p.path) == len(best.path) && p.seq < best.seq) {
			best = p
		}
	}
	if best == nil {
		return PrefixBinding{}, false
	}
	return best.binding, true
}

// Bind starts accepting connections on ln (already listening; TLS wrapping
// and certificate loading are the caller's responsibility per spec.md §6's
// external-collaborator boundary).
func (e *EndpointListener) Bind(ln net.Listener) {
	e.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			e.log.Errorf("accept on %s:%d: %v", e.Address, e.Port, err)
			return
		}
		if !e.handshakeLimiter.Allow() {
			e.log.Warnf("handshake rate limit exceeded, rejecting connection from %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go e.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (e *EndpointListener) Close() error {
	if e.ln != nil {
		return e.ln.Close()
	}
	return nil
}

// handleConn implements the §4.5 per-connection lifecycle: accept, bounded
// read of one request at a time, bind to an endpoint, invoke the behavior
// host or HTTP handler, then either close or loop on keep-alive.
func (e *EndpointListener) handleConn(conn net.Conn) {
	first := true
	br := bufio.NewReader(conn)
	for {
		timeout := nextRequestTimeout
		if first {
			timeout = firstRequestTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		req, err := ReadRequest(br)
		if err != nil {
			_ = conn.Close()
			return
		}
		first = false

		host := req.Host
		path := req.URI
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
		binding, ok := e.lookup(host, path)
		if !ok {
			e.writeSimpleStatus(conn, 404, "no registered prefix matches")
			if !keepAlive(req) {
				_ = conn.Close()
				return
			}
			continue
		}

		if binding.Auth != nil {
			authz, _ := req.Header.Get("Authorization")
			if err := binding.Auth.Validate(authz, req.Method, req.URI); err != nil {
				bw := bufio.NewWriter(conn)
				writeAuthChallenge(bw, binding.Auth, err)
				if !keepAlive(req) {
					_ = conn.Close()
					return
				}
				continue
			}
		}

		if binding.WS != nil && req.Header.Contains("Upgrade", "websocket") {
			e.upgradeAndServe(conn, br, req, binding.WS)
			return
		}

		if binding.HTTPHandler != nil {
			bw := bufio.NewWriter(conn)
			resp := NewResponse(bw)
			binding.HTTPHandler.Handle(req, resp)
			_ = resp.Close()
			if !keepAlive(req) {
				_ = conn.Close()
				return
			}
			continue
		}

		e.writeSimpleStatus(conn, 500, "prefix has no handler configured")
		_ = conn.Close()
		return
	}
}

// upgradeAndServe completes the opening handshake and, on success, runs
// the connection state machine until it closes; the per-connection
// goroutine Bind started for handleConn owns this connection for its whole
// websocket lifetime.
func (e *EndpointListener) upgradeAndServe(conn net.Conn, br *bufio.Reader, req *Request, ws *WSBinding) {
	bw := bufio.NewWriter(conn)
	cfg := ServerHandshakeConfig{
		Subprotocols: ws.Subprotocols,
		OfferDeflate: ws.OfferDeflate,
		CheckOrigin:  ws.CheckOrigin,
	}
	result, err := AcceptUpgrade(req, bw, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	opts := ws.ConnOptions
	opts.Role = RoleServer
	opts.Subprotocol = result.Subprotocol
	opts.Deflate = result.Deflate
	opts.PMCE = result.Extensions
	cookies := NewCookieCollection()
	for _, c := range result.Cookies {
		_ = cookies.Set(c)
	}
	opts.Cookies = cookies

	c := NewConn(bufferedConn{Conn: conn, r: br}, ws.Host, opts)
	c.Serve()
}

func (e *EndpointListener) writeSimpleStatus(conn net.Conn, status int, msg string) {
	bw := bufio.NewWriter(conn)
	resp := NewResponse(bw)
	resp.Status = status
	_ = resp.WriteHeader()
	_, _ = resp.Write([]byte(msg))
	_ = resp.Close()
}

// bufferedConn lets the connection state machine keep reading through the
// same *bufio.Reader the handshake used, so bytes already buffered past
// the "\r\n\r\n" terminator (pipelined frames) are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// Registry is the process-wide address->port->EndpointListener catalog
// from spec.md §9 ("confine it to a single long-lived owner ... provide
// an explicit handle rather than ambient state"). Callers create one
// Registry per library instance rather than relying on package-level
// global state.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]map[int]*EndpointListener
	log       *Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *Logger) *Registry {
	if log == nil {
		log = NewNopLogger()
	}
	return &Registry{endpoints: make(map[string]map[int]*EndpointListener), log: log}
}

// Endpoint returns the endpoint for (address, port), creating it with the
// given secure flag if this is the first registration there; a later call
// with a different secure flag gets the existing endpoint. Host names that fail to parse
// as IP literals are resolved via DNS; if resolution fails, the registry
// falls back to the wildcard address and logs a warning (spec.md §9 open
// question, resolved in favor of availability over strict correctness).
func (r *Registry) Endpoint(address string, port int, secure bool) *EndpointListener {
	key := canonicalAddress(address, r.log)
	r.mu.Lock()
	defer r.mu.Unlock()
	byPort, ok := r.endpoints[key]
	if !ok {
		byPort = make(map[int]*EndpointListener)
		r.endpoints[key] = byPort
	}
	ep, ok := byPort[port]
	if !ok {
		ep = NewEndpointListener(key, port, secure, r.log)
		byPort[port] = ep
	}
	return ep
}

func canonicalAddress(address string, log *Logger) string {
	if address == "" || address == "*" || address == "+" {
		return "*"
	}
	if ip := net.ParseIP(address); ip != nil {
		return ip.String()
	}
	if _, err := net.LookupHost(address); err != nil {
		log.Warnf("DNS lookup for %q failed, falling back to wildcard address: %v", address, err)
		return "*"
	}
	return address
}

// Teardown closes every registered endpoint's listener and clears the
// catalog, per spec.md §9's teardown rule.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byPort := range r.endpoints {
		for _, ep := range byPort {
			_ = ep.Close()
		}
	}
	r.endpoints = make(map[string]map[int]*EndpointListener)
}
