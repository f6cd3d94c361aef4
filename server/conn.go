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
	"encoding/binary"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

// Phase is the connection lifecycle from spec.md §3/§4.11.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "Connecting"
	case PhaseOpen:
		return "Open"
	case PhaseClosing:
		return "Closing"
	case PhaseClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnOptions configures the per-connection state machine.
type ConnOptions struct {
	Role                 Role
	MaxMessageSize       int
	MaxOutgoingFrameSize int // 0 disables splitting (wsFrameSizeForBrowsers analog)
	PingInterval         time.Duration
	PongTimeout          time.Duration
	CloseGrace           time.Duration
	Deflate              bool
	PMCE                 PMCEParams
	Subprotocol          string
	Cookies              *CookieCollection
	Logger               *Logger
}

type sendItem struct {
	op      Opcode
	payload []byte
	control bool
	compress bool
	done    chan error // non-nil only for items the caller wants to wait on
}

// Conn is the connection state machine from spec.md §4.11, running an
// inbound reader and outbound writer as two goroutines sharing state under
// a single mutex (spec.md §5), generalized from the teacher's client
// type (which interleaves this logic with NATS-protocol parsing) into a
// role-agnostic, WS-only connection object.
type Conn struct {
	ID   string
	Role Role

	transport Transport
	codec     *FrameCodec
	reassem   *Reassembler
	host      BehaviorHost
	log       *Logger

	deflateOut *Deflater
	deflateIn  *Inflater
	pmce       PMCEParams
	deflateOn  bool

	subprotocol string
	cookies     *CookieCollection

	maxOutFrame int
	pingEvery   time.Duration
	pongTimeout time.Duration
	closeGrace  time.Duration

	mu           sync.Mutex
	phase        Phase
	closeSent    bool
	closeReceived bool
	closeCode    int
	closeReason  string
	localErr     error
	pendingPongs map[string]struct{}
	pingSentAt   time.Time

	sendCh   chan sendItem
	closed   chan struct{}
	closeOnce sync.Once

	// peerAck is closed when onPeerClose observes that both sides have now
	// exchanged close frames (closeSent && closeReceived), so writeLoop can
	// stop waiting out the close-grace timer and return immediately instead
	// of idling until it expires (spec.md §4.11/§7).
	peerAck     chan struct{}
	peerAckOnce sync.Once
}

// NewConn wraps transport in a connection state machine. The caller must
// call Serve to start the reader/writer goroutines once the handshake has
// completed and host.OnOpen should be invoked.
func NewConn(transport Transport, host BehaviorHost, opts ConnOptions) *Conn {
	log := opts.Logger
	if log == nil {
		log = NewNopLogger()
	}
	c := &Conn{
		ID:           nuid.Next(),
		Role:         opts.Role,
		transport:    transport,
		codec:        NewFrameCodec(opts.Role, opts.Deflate),
		reassem:      NewReassembler(opts.MaxMessageSize),
		host:         host,
		log:          log,
		pmce:         opts.PMCE,
		deflateOn:    opts.Deflate,
		subprotocol:  opts.Subprotocol,
		cookies:      opts.Cookies,
		maxOutFrame:  opts.MaxOutgoingFrameSize,
		pingEvery:    opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		closeGrace:   opts.CloseGrace,
		phase:        PhaseConnecting,
		pendingPongs: make(map[string]struct{}),
		sendCh:       make(chan sendItem, 64),
		closed:       make(chan struct{}),
		peerAck:      make(chan struct{}),
	}
	if opts.Deflate {
		c.deflateOut = NewDeflater(outboundNoContextTakeover(opts.Role, opts.PMCE))
		c.deflateIn = NewInflater(inboundNoContextTakeover(opts.Role, opts.PMCE))
	}
	if c.closeGrace == 0 {
		c.closeGrace = 5 * time.Second
	}
	return c
}

// outboundNoContextTakeover picks the no-context-takeover flag relevant to
// the direction this role sends in: a client's outgoing messages are
// compressed under client_no_context_takeover, a server's under
// server_no_context_takeover.
func outboundNoContextTakeover(role Role, p PMCEParams) bool {
	if role == RoleClient {
		return p.ClientNoContextTakeover
	}
	return p.ServerNoContextTakeover
}

func inboundNoContextTakeover(role Role, p PMCEParams) bool {
	if role == RoleClient {
		return p.ServerNoContextTakeover
	}
	return p.ClientNoContextTakeover
}

// Phase returns the current lifecycle phase under lock.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Serve transitions Connecting->Open, invokes host.OnOpen, and runs the
// reader/writer loops until the connection reaches Closed. It blocks until
// the connection is fully torn down, so callers typically invoke it in its
// own goroutine per accepted connection.
func (c *Conn) Serve() {
	c.mu.Lock()
	c.phase = PhaseOpen
	c.mu.Unlock()

	c.host.OnOpen(c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop() }()
	go func() { defer wg.Done(); c.readLoop() }()
	wg.Wait()

	c.mu.Lock()
	c.phase = PhaseClosed
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.transport.Close()
	c.host.OnClose(c, code, reason)
}

// readLoop is the inbound activity from spec.md §5; it blocks on transport
// reads and drives the reassembler, delivering control frames immediately
// and completed messages to host.OnMessage.
func (c *Conn) readLoop() {
	for {
		f, err := c.codec.Decode(&transportReader{c.transport})
		if err != nil {
			c.failLocally(wsCloseStatusAbnormalClosure, "read error", err)
			return
		}
		if IsControlOpcode(f.Opcode) {
			if err := c.handleControlFrame(f); err != nil {
				if we, ok := err.(*WSError); ok {
					c.beginClose(we.Code, we.Message, true)
				}
				return
			}
			if f.Opcode == OpClose {
				return
			}
			continue
		}

		msg, err := c.reassem.Feed(f)
		if err != nil {
			we, _ := err.(*WSError)
			code := wsCloseStatusProtocolError
			if we != nil && we.Code != 0 {
				code = we.Code
			}
			c.beginClose(code, err.Error(), true)
			return
		}
		if msg == nil {
			continue
		}
		if msg.Compressed {
			inflated, err := c.deflateIn.Inflate(msg.Payload)
			if err != nil {
				c.beginClose(wsCloseStatusProtocolError, "inflate failed", true)
				return
			}
			msg.Payload = inflated
			if err := ValidateDecompressedText(msg); err != nil {
				c.beginClose(wsCloseStatusInvalidPayloadData, err.Error(), true)
				return
			}
		}
		c.host.OnMessage(c, *msg)
	}
}

// handleControlFrame processes Ping/Pong/Close per spec.md §4.9/§4.11.
func (c *Conn) handleControlFrame(f *Frame) error {
	switch f.Opcode {
	case OpPing:
		c.log.Tracef("conn %s: received ping", c.ID)
		if h, ok := c.host.(PingPongHost); ok {
			h.OnPing(c, f.Payload)
		}
		return c.enqueue(sendItem{op: OpPong, payload: f.Payload, control: true})
	case OpPong:
		c.mu.Lock()
		delete(c.pendingPongs, string(f.Payload))
		c.mu.Unlock()
		if h, ok := c.host.(PingPongHost); ok {
			h.OnPong(c, f.Payload)
		}
		return nil
	case OpClose:
		return c.onPeerClose(f.Payload)
	}
	return nil
}

// onPeerClose implements the close handshake's peer side (spec.md §4.11).
func (c *Conn) onPeerClose(payload []byte) error {
	code := wsCloseStatusNoStatusReceived
	reason := ""
	if len(payload) >= 2 {
		code = int(binary.BigEndian.Uint16(payload[:2]))
		reason = string(payload[2:])
	}
	if len(payload) == 1 || (len(payload) >= 2 && !validCloseCode(code)) {
		return &WSError{Kind: ProtocolViolation, Code: wsCloseStatusProtocolError, Message: "invalid close code on wire"}
	}

	c.mu.Lock()
	alreadySent := c.closeSent
	c.closeReceived = true
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, reason
	}
	c.phase = PhaseClosing
	c.mu.Unlock()

	if !alreadySent {
		echo := closeFramePayload(code, reason)
		if len(payload) == 0 {
			// 1005 is local-only; answer a bodiless close with a bodiless close.
			echo = nil
		}
		_ = c.enqueue(sendItem{op: OpClose, payload: echo, control: true})
	} else {
		// We had already sent our close frame before the peer's arrived, so
		// this is the acknowledgment writeLoop's close-grace timer is
		// waiting on; wake it instead of letting it idle out the timeout.
		c.peerAckOnce.Do(func() { close(c.peerAck) })
	}
	return nil
}

// validCloseCode enforces the §4.11 range 1000-4999, excluding reserved
// codes that must never appear on the wire (1005, 1006, 1015 are
// local-only per RFC 6455 §7.4).
func validCloseCode(code int) bool {
	switch code {
	case wsCloseStatusNoStatusReceived, wsCloseStatusAbnormalClosure, wsCloseStatusTLSHandshake:
		return false
	}
	return code >= 1000 && code <= 4999
}

func closeFramePayload(code int, reason string) []byte {
	if len(reason) > maxControlPayloadSize-2 {
		reason = reason[:maxControlPayloadSize-2]
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf[:2], uint16(code))
	copy(buf[2:], reason)
	return buf
}

// beginClose initiates a locally-driven close with the given code/reason;
// fromPeerRead indicates this call originates from the reader processing
// a protocol violation (so it still needs to enqueue the outgoing close
// frame itself, since the writer loop won't see a Send call).
func (c *Conn) beginClose(code int, reason string, fromPeerRead bool) {
	c.mu.Lock()
	alreadySent := c.closeSent
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, reason
	}
	c.phase = PhaseClosing
	c.mu.Unlock()
	if !alreadySent && fromPeerRead {
		_ = c.enqueue(sendItem{op: OpClose, payload: closeFramePayload(code, reason), control: true})
	}
}

// failLocally records a non-protocol transport/IO failure and tears the
// connection down immediately, per spec.md §7 ("Triggers immediate
// Closed"). It closes the transport right away (rather than waiting for
// Serve's teardown) so that whichever of the reader/writer goroutines is
// still blocked on the transport unblocks with an error instead of
// deadlocking against the other's exit.
func (c *Conn) failLocally(code int, msg string, cause error) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, msg
	}
	c.localErr = cause
	c.phase = PhaseClosed
	c.mu.Unlock()
	_ = c.transport.Close()
	c.signalClosed()
	dispatchError(c.host, c, cause)
}

// writeLoop is the outbound activity from spec.md §5: a single producer
// queue shared by application messages and control frames, so a local
// Close flushes queued messages before the close frame (default policy:
// flush, per spec.md §4.11).
func (c *Conn) writeLoop() {
	var pingTimer *time.Timer
	var pingCh <-chan time.Time
	if c.pingEvery > 0 {
		pingTimer = time.NewTimer(c.pingEvery)
		pingCh = pingTimer.C
		defer pingTimer.Stop()
	}
	var closeTimer *time.Timer
	var closeTimeoutCh <-chan time.Time

	for {
		select {
		case item, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.writeItem(item); err != nil {
				c.failLocally(wsCloseStatusAbnormalClosure, "write error", err)
				if item.done != nil {
					item.done <- err
				}
				return
			}
			if item.done != nil {
				item.done <- nil
			}
			if item.op == OpClose {
				c.mu.Lock()
				c.closeSent = true
				received := c.closeReceived
				c.mu.Unlock()
				if received {
					return
				}
				closeTimer = time.NewTimer(c.closeGrace)
				closeTimeoutCh = closeTimer.C
			}
		case <-pingCh:
			c.mu.Lock()
			stale := len(c.pendingPongs) > 0 && c.pongTimeout > 0 && time.Since(c.pingSentAt) > c.pongTimeout
			c.mu.Unlock()
			if stale {
				c.failLocally(wsCloseStatusInternalSrvError, "pong timeout", newErr(Timeout, wsCloseStatusInternalSrvError, "no pong received within %s", c.pongTimeout))
				return
			}
			payload := pingPayload()
			c.mu.Lock()
			c.pendingPongs[string(payload)] = struct{}{}
			c.pingSentAt = time.Now()
			c.mu.Unlock()
			_ = c.writeItem(sendItem{op: OpPing, payload: payload, control: true})
			pingTimer.Reset(c.pingEvery)
		case <-closeTimeoutCh:
			c.failLocally(wsCloseStatusAbnormalClosure, "close handshake grace period expired", invalidStateErr("close grace timeout"))
			return
		case <-c.peerAck:
			if closeTimer != nil {
				closeTimer.Stop()
			}
			return
		case <-c.closed:
			if closeTimer != nil {
				closeTimer.Stop()
			}
			return
		}
	}
}

func pingPayload() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	return b[:]
}

// writeItem serializes one queued item to the transport, applying
// permessage-deflate and frame-size splitting for data frames.
func (c *Conn) writeItem(item sendItem) error {
	if item.control || !item.compress || c.deflateOut == nil {
		return c.writeRawFrame(item.op, item.payload, item.compress && c.deflateOut != nil)
	}
	compressed, err := c.deflateOut.Compress(item.payload)
	if err != nil {
		return err
	}
	return c.writeRawFrame(item.op, compressed, true)
}

func (c *Conn) writeRawFrame(op Opcode, payload []byte, compressed bool) error {
	if c.maxOutFrame <= 0 || len(payload) <= c.maxOutFrame || IsControlOpcode(op) {
		f := &Frame{Fin: true, RSV1: compressed, Opcode: op, Payload: payload}
		raw, err := c.codec.Encode(f)
		if err != nil {
			return err
		}
		_, err = c.transport.Write(raw)
		return err
	}
	first := true
	for len(payload) > 0 {
		n := c.maxOutFrame
		if n > len(payload) {
			n = len(payload)
		}
		chunk := payload[:n]
		payload = payload[n:]
		op2 := op
		if !first {
			op2 = OpContinuation
		}
		f := &Frame{Fin: len(payload) == 0, RSV1: compressed && first, Opcode: op2, Payload: chunk}
		raw, err := c.codec.Encode(f)
		if err != nil {
			return err
		}
		if _, err := c.transport.Write(raw); err != nil {
			return err
		}
		first = false
	}
	return nil
}

func (c *Conn) signalClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// enqueue places item on the send queue, failing with InvalidState if a
// close frame has already been sent (spec.md §4.11: "further application
// writes fail with InvalidState").
func (c *Conn) enqueue(item sendItem) error {
	c.mu.Lock()
	if c.closeSent && item.op != OpClose {
		c.mu.Unlock()
		return invalidStateErr("Send called after Close was sent")
	}
	phase := c.phase
	c.mu.Unlock()
	if phase == PhaseClosed {
		return invalidStateErr("Send called on a Closed connection")
	}
	select {
	case c.sendCh <- item:
		return nil
	case <-c.closed:
		return invalidStateErr("connection closed while enqueueing send")
	}
}

// SendText queues a text message, optionally asking for permessage-deflate
// compression (opt-in per message, spec.md §4.10).
func (c *Conn) SendText(payload string, compress bool) error {
	return c.enqueue(sendItem{op: OpText, payload: []byte(payload), compress: compress})
}

// SendBinary queues a binary message.
func (c *Conn) SendBinary(payload []byte, compress bool) error {
	return c.enqueue(sendItem{op: OpBinary, payload: payload, compress: compress})
}

// Close is idempotent and safe to call from any phase/goroutine (spec.md
// §5). From Connecting it aborts the handshake by tearing down the
// transport directly; from Open/Closing it queues a close frame unless one
// has already been sent, in which case it returns nil and sends nothing.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	phase := c.phase
	alreadySent := c.closeSent
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()

	if phase == PhaseConnecting || phase == PhaseClosed {
		c.signalClosed()
		return c.transport.Close()
	}
	if alreadySent {
		return nil
	}
	return c.enqueue(sendItem{op: OpClose, payload: closeFramePayload(code, reason), control: true})
}

// LocalError returns the non-nil error that drove this connection to
// Closed via a transport/protocol failure, if any (spec.md §7:
// "non-null local error record queryable via the session").
func (c *Conn) LocalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localErr
}

// Subprotocol returns the negotiated subprotocol, if any.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// Cookies returns the cookies associated with this session's origin.
func (c *Conn) Cookies() *CookieCollection { return c.cookies }

// transportReader adapts Transport to io.Reader for FrameCodec.Decode.
type transportReader struct{ t Transport }

func (r *transportReader) Read(p []byte) (int, error) { return r.t.Read(p) }
