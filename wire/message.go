// Package wire implements the Boson message envelope and body schemas, and
// the two codecs (CBOR, the canonical wire format, and JSON, for textual
// interop) that read and write them. Grounded on spec.md §4.4/§6: there is
// no teacher equivalent (the teacher's p2p layer speaks RLPx/devp2p
// framing, a different protocol family entirely), so the shapes below are
// written fresh against the spec while keeping the teacher's plain-struct,
// explicit-error style.
package wire

import (
	"fmt"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// Kind is the message's type_bits (spec §4.4).
type Kind byte

const (
	KindError    Kind = 0x00
	KindRequest  Kind = 0x20
	KindResponse Kind = 0x40

	typeMask   byte = 0xE0
	methodMask byte = 0x1F
)

// Method is the message's method_bits (spec §4.4).
type Method byte

const (
	MethodPing         Method = 1
	MethodFindNode     Method = 2
	MethodAnnouncePeer Method = 3
	MethodFindPeer     Method = 4
	MethodStoreValue   Method = 5
	MethodFindValue    Method = 6
)

// ErrUnknownComposite is returned when a message's y byte does not decode to
// a known (Kind, Method) pair.
var ErrUnknownComposite = fmt.Errorf("wire: unknown message composite")

// Y packs kind and method into the wire composite byte.
func Y(k Kind, m Method) byte {
	return byte(k) | (byte(m) & methodMask)
}

// SplitY unpacks a composite byte into its kind and method, or returns
// ErrUnknownComposite if either half is not recognized.
func SplitY(y byte) (Kind, Method, error) {
	k := Kind(y & typeMask)
	m := Method(y & methodMask)
	switch k {
	case KindError, KindRequest, KindResponse:
	default:
		return 0, 0, ErrUnknownComposite
	}
	switch m {
	case MethodPing, MethodFindNode, MethodAnnouncePeer, MethodFindPeer, MethodStoreValue, MethodFindValue:
	default:
		return 0, 0, ErrUnknownComposite
	}
	return k, m, nil
}

// Want packs the three want bits of a lookup request: bit0 want4, bit1
// want6, bit2 wantToken (spec §4.4).
type Want byte

func NewWant(want4, want6, wantToken bool) Want {
	var w Want
	if want4 {
		w |= 1
	}
	if want6 {
		w |= 2
	}
	if wantToken {
		w |= 4
	}
	return w
}

func (w Want) Want4() bool     { return w&1 != 0 }
func (w Want) Want6() bool     { return w&2 != 0 }
func (w Want) WantToken() bool { return w&4 != 0 }

// Body is implemented by every request/response/error payload. It is a
// marker only: the envelope's Kind/Method fields are authoritative, the
// codec does not infer them from the body's concrete type.
type Body interface {
	isBody()
}

// Message is the decoded form of one datagram: the envelope plus its typed
// body. Ping carries no payload in either direction: its Body is
// PingRequest for the request and VoidResponse for the response.
type Message struct {
	Kind    Kind
	Method  Method
	Txn     uint32
	Version uint32
	Body    Body
}

// FindNodeRequest asks for nodes near Target (spec §4.4).
type FindNodeRequest struct {
	Target id.Id
	Want   Want
}

func (FindNodeRequest) isBody() {}

// FindNodeResponse returns nodes and, if requested, an announce/store token.
type FindNodeResponse struct {
	N4    []record.NodeInfo
	N6    []record.NodeInfo
	Token *uint32
}

func (FindNodeResponse) isBody() {}

// FindPeerRequest asks for peer announcements under Target.
type FindPeerRequest struct {
	Target   id.Id
	Want     Want
	Cas      *uint32
	Expected *uint32
}

func (FindPeerRequest) isBody() {}

// FindPeerResponse returns nodes and/or peer announcements. On the wire the
// first element of Peers carries its id; subsequent elements omit it and
// inherit the first's (spec §4.4 compact encoding); the codec hides this
// from callers, who always see fully-populated record.PeerInfo values.
type FindPeerResponse struct {
	N4    []record.NodeInfo
	N6    []record.NodeInfo
	Peers []record.PeerInfo
}

func (FindPeerResponse) isBody() {}

// FindValueRequest asks for a value by Target id, or nodes closer to it.
// wantToken is implicit true (spec §4.4).
type FindValueRequest struct {
	Target id.Id
	Want   Want
	Cas    *uint32
}

func (FindValueRequest) isBody() {}

// FindValueResponse carries either nodes or a value hit; receivers must
// accept either (spec §4.4).
type FindValueResponse struct {
	N4    []record.NodeInfo
	N6    []record.NodeInfo
	Value *record.Value
}

func (FindValueResponse) isBody() {}

// StoreValueRequest writes v, authorized by Token (spec §4.4).
type StoreValueRequest struct {
	Token uint32
	Cas   *uint32
	Value record.Value
}

func (StoreValueRequest) isBody() {}

// AnnouncePeerRequest announces p, authorized by Token (spec §4.4).
type AnnouncePeerRequest struct {
	Token uint32
	Cas   *uint32
	Peer  record.PeerInfo
}

func (AnnouncePeerRequest) isBody() {}

// VoidResponse is the empty response body shared by writes and Ping.
type VoidResponse struct{}

func (VoidResponse) isBody() {}

// PingRequest carries no fields (spec §4.4 lists no Ping schema; it is Void
// both ways, PingResponse is a VoidResponse).
type PingRequest struct{}

func (PingRequest) isBody() {}

// ErrorBody is the c/m error payload (spec §4.4, §7).
type ErrorBody struct {
	Code    int32
	Message string
}

func (ErrorBody) isBody() {}
