package rpc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/wire"
)

// Timeout bounds for outbound calls (spec §4.5): the default is used when a
// caller does not have an RTT estimate yet, and no call is ever allowed to
// wait longer than maxTimeout regardless of a pathological RTT estimate.
const (
	defaultTimeout = 2 * time.Second
	maxTimeout     = 10 * time.Second
	minReadBuf     = 2048
)

// RequestHandler answers an inbound request with its response body, or an
// error to be translated into a wire.ErrorBody (spec §7). Implemented by the
// node package; Server never inspects a request's method beyond dispatch.
type RequestHandler interface {
	HandleRequest(from record.NodeInfo, msg wire.Message) (wire.Body, error)
}

type callKey struct {
	addr string
	txn  uint32
}

// Server owns one UDP socket (one address family; a node runs one Server
// per family it listens on, spec §4.1). Serve's goroutine completes Calls
// on their responses; Call, Cancel, Close and each Call's timeout timer
// complete Calls too. All of them take the server's mutex before touching
// the calls map, and Call.finish guards the terminal transition with the
// Call's own mutex.
type Server struct {
	conn     net.PacketConn
	handler  RequestHandler
	throttle *Throttle
	tokens   *TokenIssuer
	metrics  *Metrics

	txnCtr uint32

	mu      sync.Mutex
	closed  bool
	calls   map[callKey]*Call
}

// NewServer wraps conn. throttle, tokens and m default to fresh instances
// if nil, so callers that don't need Sybil defenses or custom metrics
// registries can pass nil.
func NewServer(conn net.PacketConn, handler RequestHandler, throttle *Throttle, tokens *TokenIssuer, m *Metrics) *Server {
	if throttle == nil {
		throttle = NewThrottle(false)
	}
	if tokens == nil {
		tokens = NewTokenIssuer()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Server{
		conn:     conn,
		handler:  handler,
		throttle: throttle,
		tokens:   tokens,
		metrics:  m,
		calls:    make(map[callKey]*Call),
	}
}

// Tokens exposes the server's TokenIssuer, so the node layer can issue
// tokens for FindNode/FindValue/FindPeer responses and verify them on
// StoreValue/AnnouncePeer requests without a second HMAC secret to keep in
// sync.
func (s *Server) Tokens() *TokenIssuer { return s.tokens }

// nextTxn allocates the next transaction id, skipping 0 so a stray zeroed
// buffer is never mistaken for an in-flight call (spec §4.4 scenario S4:
// the counter must wrap past 0xFFFFFFFF back to 1, not 0).
func (s *Server) nextTxn() uint32 {
	for {
		v := atomic.AddUint32(&s.txnCtr, 1)
		if v != 0 {
			return v
		}
	}
}

// Call sends a request to dest and registers it for matching. The wire
// envelope carries no node ids (spec §4.4), so a reply is bound to its
// call purely by (source address, txn): a responder at any other address
// finds no entry and is dropped, which is spec §4.5's anti-reflection
// rule. Which *key* controls dest's address is established elsewhere —
// the routing table only ever learns nodes through this node's own
// completed calls (see node.ping). timeout of zero uses defaultTimeout;
// callers with an RTT estimate should pass min(maxTimeout, estimate)
// themselves.
func (s *Server) Call(dest record.NodeInfo, method wire.Method, body wire.Body, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	txn := s.nextTxn()
	req := wire.Message{Kind: wire.KindRequest, Method: method, Txn: txn, Body: body}
	call := newCall(txn, dest, req, timeout)
	key := callKey{addr: dest.Addr().String(), txn: txn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	s.calls[key] = call
	s.mu.Unlock()

	if delay, throttled := s.throttle.CheckOutbound(dest.Addr()); throttled {
		s.dropCall(key)
		return nil, &ThrottledError{Delay: delay}
	}

	data, err := wire.EncodeCBOR(req)
	if err != nil {
		s.dropCall(key)
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}

	call.markSent(time.Now())
	if _, err := s.conn.WriteTo(data, dest.Addr()); err != nil {
		s.dropCall(key)
		call.finish(StateError, wire.Message{}, err)
		s.metrics.CallsErrored.Mark(1)
		return call, err
	}
	s.metrics.CallsSent.Mark(1)

	call.timer = time.AfterFunc(timeout, func() { s.timeoutCall(key) })
	return call, nil
}

// Cancel aborts an outstanding call, marking it StateCanceled instead of
// letting it run to timeout.
func (s *Server) Cancel(call *Call) {
	key := callKey{addr: call.Dest.Addr().String(), txn: call.Txn}
	s.dropCall(key)
	if call.finish(StateCanceled, wire.Message{}, ErrCanceled) {
		evCallCanceled.Fire("dest", call.Dest.Addr(), "txn", call.Txn)
	}
}

func (s *Server) dropCall(key callKey) {
	s.mu.Lock()
	delete(s.calls, key)
	s.mu.Unlock()
}

func (s *Server) timeoutCall(key callKey) {
	s.mu.Lock()
	call, ok := s.calls[key]
	if ok {
		delete(s.calls, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	call.finish(StateTimeout, wire.Message{}, ErrTimeout)
	s.metrics.CallsTimedOut.Mark(1)
	evCallTimeout.Fire("dest", call.Dest.Addr(), "txn", call.Txn)
}

// Close stops accepting new calls, finishes every outstanding one as
// StateCanceled, and closes the underlying socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*Call, 0, len(s.calls))
	for k, c := range s.calls {
		delete(s.calls, k)
		pending = append(pending, c)
	}
	s.mu.Unlock()

	for _, c := range pending {
		c.finish(StateCanceled, wire.Message{}, ErrCanceled)
	}
	return s.conn.Close()
}

// Serve runs the inbound read loop until the socket is closed. Every
// inbound throttle check, response match and handler dispatch happens on
// its goroutine (spec §5); outbound throttling runs in Call.
func (s *Server) Serve() error {
	buf := make([]byte, minReadBuf)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		s.handlePacket(udpAddr, data)
	}
}

func (s *Server) handlePacket(from *net.UDPAddr, data []byte) {
	msg, err := wire.DecodeCBOR(data)
	if err != nil {
		// Accept JSON too, per spec §6's textual interop allowance; only a
		// message malformed under both codecs is dropped outright.
		msg, err = wire.DecodeJSON(data)
		if err != nil {
			s.metrics.Dropped.Mark(1)
			return
		}
	}

	switch msg.Kind {
	case wire.KindRequest:
		s.handleRequest(from, msg)
	case wire.KindResponse, wire.KindError:
		s.handleResponse(from, msg)
	default:
		s.metrics.Dropped.Mark(1)
	}
}

func (s *Server) handleResponse(from *net.UDPAddr, msg wire.Message) {
	key := callKey{addr: from.String(), txn: msg.Txn}

	s.mu.Lock()
	call, ok := s.calls[key]
	if ok {
		delete(s.calls, key)
	}
	s.mu.Unlock()

	if !ok {
		// No outstanding call from this exact (address, txn): either a
		// stale retransmit, a timed-out call's late reply, or a spoofed
		// source address attempting to answer someone else's call (spec
		// §4.5's anti-reflection guard: the map key already binds the
		// reply to the address the request was actually sent to).
		s.metrics.Dropped.Mark(1)
		s.metrics.DroppedNoMatch.Mark(1)
		return
	}

	rtt := time.Since(call.sentTime())
	if msg.Kind == wire.KindError {
		errBody, _ := msg.Body.(wire.ErrorBody)
		call.finish(StateError, msg, fmt.Errorf("rpc: remote error %d: %s", errBody.Code, errBody.Message))
		s.metrics.CallsErrored.Mark(1)
		return
	}

	call.finish(StateResponded, msg, nil)
	s.metrics.CallsResponded.Mark(1)
	s.metrics.RoundTrip.Update(rtt)
}

func (s *Server) handleRequest(from *net.UDPAddr, msg wire.Message) {
	// The envelope carries no sender id (spec §4.4), but write bodies do:
	// a StoreValue/AnnouncePeer request embeds a record whose signature
	// binds it to an owner key. That verified claim is the discriminator
	// the dev-mode Sybil caps count — many distinct signed identities
	// funneling through one host is exactly the attack they exist to stop.
	// Requests whose body carries no signable id (Ping, the lookups) feed
	// only the per-host rate limiter.
	allow, reason := s.throttle.CheckInbound(from, claimedSenderID(msg.Body))
	if !allow {
		s.markDropped(reason)
		return
	}

	fromInfo := record.NewNodeInfo(id.Id{}, from.IP, uint16(from.Port))
	respBody, err := s.handler.HandleRequest(fromInfo, msg)

	var out wire.Message
	if err != nil {
		code, text := errorCodeOf(err)
		out = wire.Message{Kind: wire.KindError, Method: msg.Method, Txn: msg.Txn, Body: wire.ErrorBody{Code: code, Message: text}}
	} else {
		out = wire.Message{Kind: wire.KindResponse, Method: msg.Method, Txn: msg.Txn, Body: respBody}
	}

	data, err := wire.EncodeCBOR(out)
	if err != nil {
		return
	}
	if _, err := s.conn.WriteTo(data, from); err != nil {
		return
	}
}

// claimedSenderID extracts the id a request's signed body claims to speak
// for, or the zero id when the body carries none. Only a claim whose
// signature actually verifies counts — an id is only as good as the
// signature binding it to the payload, so unsigned or forged bodies fall
// back to the anonymous zero id.
func claimedSenderID(body wire.Body) id.Id {
	switch b := body.(type) {
	case wire.AnnouncePeerRequest:
		if b.Peer.IsValid() {
			return b.Peer.ID()
		}
	case wire.StoreValueRequest:
		if b.Value.IsMutable() && b.Value.IsValid() {
			return b.Value.PublicKey()
		}
	}
	return id.Id{}
}

// markDropped records an inbound drop under its reason-specific meter as
// well as the total (spec §7: rate exceedances drop the message and record
// a metric).
func (s *Server) markDropped(reason Reason) {
	s.metrics.Dropped.Mark(1)
	switch reason {
	case ReasonThrottled:
		s.metrics.DroppedThrottled.Mark(1)
	case ReasonSybil:
		s.metrics.DroppedSybil.Mark(1)
	}
}
