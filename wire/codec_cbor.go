package wire

import (
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// cborEnvelope is the on-wire CBOR map shape (spec §4.4): y/t/v are always
// present (v defaults to 0 and is omitted when zero); exactly one of q/r/e
// is present, matching Kind.
type cborEnvelope struct {
	Y byte            `cbor:"y"`
	T uint32          `cbor:"t"`
	V uint32          `cbor:"v,omitempty"`
	Q cbor.RawMessage `cbor:"q,omitempty"`
	R cbor.RawMessage `cbor:"r,omitempty"`
	E cbor.RawMessage `cbor:"e,omitempty"`
}

// cborNodeInfo is NodeInfo's fixed 3-element array encoding: [id, ip, port].
type cborNodeInfo struct {
	_    struct{} `cbor:",toarray"`
	ID   []byte
	IP   []byte
	Port uint16
}

func toCborNodeInfo(n record.NodeInfo) cborNodeInfo {
	return cborNodeInfo{ID: n.ID[:], IP: []byte(n.Host), Port: n.Port}
}

func fromCborNodeInfo(n cborNodeInfo) (record.NodeInfo, error) {
	nodeID, err := id.FromBytes(n.ID)
	if err != nil {
		return record.NodeInfo{}, err
	}
	return record.NewNodeInfo(nodeID, net.IP(n.IP), n.Port), nil
}

func toCborNodeInfoList(ns []record.NodeInfo) []cborNodeInfo {
	if len(ns) == 0 {
		return nil
	}
	out := make([]cborNodeInfo, len(ns))
	for i, n := range ns {
		out[i] = toCborNodeInfo(n)
	}
	return out
}

func fromCborNodeInfoList(ns []cborNodeInfo) ([]record.NodeInfo, error) {
	if len(ns) == 0 {
		return nil, nil
	}
	out := make([]record.NodeInfo, len(ns))
	for i, n := range ns {
		v, err := fromCborNodeInfo(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type cborFindNodeRequest struct {
	T []byte `cbor:"t"`
	W byte   `cbor:"w"`
}

type cborFindNodeResponse struct {
	N4  []cborNodeInfo `cbor:"n4,omitempty"`
	N6  []cborNodeInfo `cbor:"n6,omitempty"`
	Tok *uint32        `cbor:"tok,omitempty"`
}

type cborFindPeerRequest struct {
	T   []byte  `cbor:"t"`
	W   byte    `cbor:"w"`
	Cas *uint32 `cbor:"cas,omitempty"`
	E   *uint32 `cbor:"e,omitempty"`
}

type cborPeerInfo struct {
	ID  []byte `cbor:"id,omitempty"`
	N   []byte `cbor:"n"`
	Seq uint32 `cbor:"seq,omitempty"`
	O   []byte `cbor:"o,omitempty"`
	OS  []byte `cbor:"os,omitempty"`
	Sig []byte `cbor:"sig"`
	F   int64  `cbor:"f"`
	E   string `cbor:"e"`
	Ex  []byte `cbor:"ex,omitempty"`
}

type cborFindPeerResponse struct {
	N4 []cborNodeInfo `cbor:"n4,omitempty"`
	N6 []cborNodeInfo `cbor:"n6,omitempty"`
	P  []cborPeerInfo `cbor:"p,omitempty"`
}

type cborFindValueRequest struct {
	T   []byte  `cbor:"t"`
	W   byte    `cbor:"w"`
	Cas *uint32 `cbor:"cas,omitempty"`
}

type cborFindValueResponse struct {
	N4  []cborNodeInfo `cbor:"n4,omitempty"`
	N6  []cborNodeInfo `cbor:"n6,omitempty"`
	K   []byte         `cbor:"k,omitempty"`
	Rec []byte         `cbor:"rec,omitempty"`
	N   []byte         `cbor:"n,omitempty"`
	Seq *uint32        `cbor:"seq,omitempty"`
	Sig []byte         `cbor:"sig,omitempty"`
	V   []byte         `cbor:"v,omitempty"`
}

type cborStoreValueRequest struct {
	Tok uint32  `cbor:"tok"`
	Cas *uint32 `cbor:"cas,omitempty"`
	K   []byte  `cbor:"k,omitempty"`
	Rec []byte  `cbor:"rec,omitempty"`
	N   []byte  `cbor:"n,omitempty"`
	Seq uint32  `cbor:"seq,omitempty"`
	Sig []byte  `cbor:"sig,omitempty"`
	V   []byte  `cbor:"v"`
}

type cborAnnouncePeerRequest struct {
	Tok uint32  `cbor:"tok"`
	Cas *uint32 `cbor:"cas,omitempty"`
	T   []byte  `cbor:"t"`
	N   []byte  `cbor:"n"`
	Seq uint32  `cbor:"seq,omitempty"`
	O   []byte  `cbor:"o,omitempty"`
	OS  []byte  `cbor:"os,omitempty"`
	Sig []byte  `cbor:"sig"`
	F   int64   `cbor:"f"`
	E   string  `cbor:"e"`
	Ex  []byte  `cbor:"ex,omitempty"`
}

type cborErrorBody struct {
	C int32  `cbor:"c"`
	M string `cbor:"m"`
}

// EncodeCBOR renders m as a single CBOR map, the canonical Boson wire
// format (spec §4.4, §6).
func EncodeCBOR(m Message) ([]byte, error) {
	env := cborEnvelope{Y: Y(m.Kind, m.Method), T: m.Txn, V: m.Version}

	var raw []byte
	var err error
	switch m.Kind {
	case KindRequest:
		raw, err = cborEncodeRequestBody(m.Method, m.Body)
		env.Q = raw
	case KindResponse:
		raw, err = cborEncodeResponseBody(m.Method, m.Body)
		env.R = raw
	case KindError:
		eb, ok := m.Body.(ErrorBody)
		if !ok {
			return nil, fmt.Errorf("wire: error message body must be ErrorBody, got %T", m.Body)
		}
		raw, err = cbor.Marshal(cborErrorBody{C: eb.Code, M: eb.Message})
		env.E = raw
	default:
		return nil, ErrUnknownComposite
	}
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(env)
}

// DecodeCBOR parses a single CBOR-encoded message.
func DecodeCBOR(data []byte) (Message, error) {
	var env cborEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	kind, method, err := SplitY(env.Y)
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind, Method: method, Txn: env.T, Version: env.V}

	switch kind {
	case KindRequest:
		m.Body, err = cborDecodeRequestBody(method, env.Q)
	case KindResponse:
		m.Body, err = cborDecodeResponseBody(method, env.R)
	case KindError:
		var eb cborErrorBody
		if err = cbor.Unmarshal(env.E, &eb); err == nil {
			m.Body = ErrorBody{Code: eb.C, Message: eb.M}
		}
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func cborEncodeRequestBody(method Method, body Body) ([]byte, error) {
	switch b := body.(type) {
	case FindNodeRequest:
		return cbor.Marshal(cborFindNodeRequest{T: b.Target[:], W: byte(b.Want)})
	case FindPeerRequest:
		return cbor.Marshal(cborFindPeerRequest{T: b.Target[:], W: byte(b.Want), Cas: b.Cas, E: b.Expected})
	case FindValueRequest:
		return cbor.Marshal(cborFindValueRequest{T: b.Target[:], W: byte(b.Want), Cas: b.Cas})
	case StoreValueRequest:
		var k, rec []byte
		if !b.Value.PublicKey().IsZero() {
			pk := b.Value.PublicKey()
			k = pk[:]
		}
		if !b.Value.Recipient().IsZero() {
			r := b.Value.Recipient()
			rec = r[:]
		}
		var n []byte
		if nonce := b.Value.Nonce(); nonce != ([record.NonceSize]byte{}) {
			n = nonce[:]
		}
		var sig []byte
		if b.Value.IsMutable() {
			s := b.Value.Signature()
			sig = s[:]
		}
		return cbor.Marshal(cborStoreValueRequest{Tok: b.Token, Cas: b.Cas, K: k, Rec: rec, N: n, Seq: b.Value.Sequence(), Sig: sig, V: b.Value.Data()})
	case AnnouncePeerRequest:
		var origin, originSig []byte
		if originID, has := b.Peer.Origin(); has {
			origin = originID[:]
			osig := b.Peer.OriginSignature()
			originSig = osig[:]
		}
		nonce := b.Peer.Nonce()
		sig := b.Peer.Signature()
		return cbor.Marshal(cborAnnouncePeerRequest{
			Tok: b.Token, Cas: b.Cas, T: idSliceOf(b.Peer.ID()), N: nonce[:], Seq: b.Peer.Sequence(),
			O: origin, OS: originSig, Sig: sig[:], F: b.Peer.Fingerprint(), E: b.Peer.Endpoint(), Ex: b.Peer.Extra(),
		})
	case PingRequest:
		return nil, nil
	default:
		return nil, fmt.Errorf("wire: unsupported request body %T for method %v", body, method)
	}
}

func idSliceOf(i id.Id) []byte {
	out := i
	return out[:]
}

func cborDecodeRequestBody(method Method, raw cbor.RawMessage) (Body, error) {
	switch method {
	case MethodPing:
		return PingRequest{}, nil
	case MethodFindNode:
		var r cborFindNodeRequest
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		target, err := id.FromBytes(r.T)
		if err != nil {
			return nil, err
		}
		return FindNodeRequest{Target: target, Want: Want(r.W)}, nil
	case MethodFindPeer:
		var r cborFindPeerRequest
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		target, err := id.FromBytes(r.T)
		if err != nil {
			return nil, err
		}
		return FindPeerRequest{Target: target, Want: Want(r.W), Cas: r.Cas, Expected: r.E}, nil
	case MethodFindValue:
		var r cborFindValueRequest
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		target, err := id.FromBytes(r.T)
		if err != nil {
			return nil, err
		}
		return FindValueRequest{Target: target, Want: Want(r.W), Cas: r.Cas}, nil
	case MethodStoreValue:
		var r cborStoreValueRequest
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		v, err := decodeWireValue(r.K, r.Rec, r.N, r.Seq, r.Sig, r.V)
		if err != nil {
			return nil, err
		}
		return StoreValueRequest{Token: r.Tok, Cas: r.Cas, Value: v}, nil
	case MethodAnnouncePeer:
		var r cborAnnouncePeerRequest
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		p, err := decodeWirePeerInfo(r.T, r.N, r.Seq, r.O, r.OS, r.Sig, r.F, r.E, r.Ex)
		if err != nil {
			return nil, err
		}
		return AnnouncePeerRequest{Token: r.Tok, Cas: r.Cas, Peer: p}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported request method %v", method)
	}
}

func cborEncodeResponseBody(method Method, body Body) ([]byte, error) {
	switch b := body.(type) {
	case FindNodeResponse:
		return cbor.Marshal(cborFindNodeResponse{N4: toCborNodeInfoList(b.N4), N6: toCborNodeInfoList(b.N6), Tok: b.Token})
	case FindPeerResponse:
		peers, err := toCborPeerInfoList(b.Peers)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(cborFindPeerResponse{N4: toCborNodeInfoList(b.N4), N6: toCborNodeInfoList(b.N6), P: peers})
	case FindValueResponse:
		resp := cborFindValueResponse{N4: toCborNodeInfoList(b.N4), N6: toCborNodeInfoList(b.N6)}
		if b.Value != nil {
			if !b.Value.PublicKey().IsZero() {
				pk := b.Value.PublicKey()
				resp.K = pk[:]
			}
			if !b.Value.Recipient().IsZero() {
				r := b.Value.Recipient()
				resp.Rec = r[:]
			}
			if b.Value.IsMutable() {
				n := b.Value.Nonce()
				resp.N = n[:]
				seq := b.Value.Sequence()
				resp.Seq = &seq
				sig := b.Value.Signature()
				resp.Sig = sig[:]
			}
			resp.V = b.Value.Data()
		}
		return cbor.Marshal(resp)
	case VoidResponse:
		return nil, nil
	default:
		return nil, fmt.Errorf("wire: unsupported response body %T for method %v", body, method)
	}
}

func cborDecodeResponseBody(method Method, raw cbor.RawMessage) (Body, error) {
	switch method {
	case MethodPing:
		return VoidResponse{}, nil
	case MethodFindNode:
		var r cborFindNodeResponse
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		n4, err := fromCborNodeInfoList(r.N4)
		if err != nil {
			return nil, err
		}
		n6, err := fromCborNodeInfoList(r.N6)
		if err != nil {
			return nil, err
		}
		return FindNodeResponse{N4: n4, N6: n6, Token: r.Tok}, nil
	case MethodFindPeer:
		var r cborFindPeerResponse
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		n4, err := fromCborNodeInfoList(r.N4)
		if err != nil {
			return nil, err
		}
		n6, err := fromCborNodeInfoList(r.N6)
		if err != nil {
			return nil, err
		}
		peers, err := fromCborPeerInfoList(r.P)
		if err != nil {
			return nil, err
		}
		return FindPeerResponse{N4: n4, N6: n6, Peers: peers}, nil
	case MethodFindValue:
		var r cborFindValueResponse
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		n4, err := fromCborNodeInfoList(r.N4)
		if err != nil {
			return nil, err
		}
		n6, err := fromCborNodeInfoList(r.N6)
		if err != nil {
			return nil, err
		}
		resp := FindValueResponse{N4: n4, N6: n6}
		if r.V != nil {
			var seq uint32
			if r.Seq != nil {
				seq = *r.Seq
			}
			v, err := decodeWireValue(r.K, r.Rec, r.N, seq, r.Sig, r.V)
			if err != nil {
				return nil, err
			}
			resp.Value = &v
		}
		return resp, nil
	case MethodStoreValue, MethodAnnouncePeer:
		return VoidResponse{}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported response method %v", method)
	}
}

func decodeWireValue(k, rec, nonce []byte, seq uint32, sig, data []byte) (record.Value, error) {
	var pubKey, recipient id.Id
	var err error
	if len(k) > 0 {
		if pubKey, err = id.FromBytes(k); err != nil {
			return record.Value{}, err
		}
	}
	if len(rec) > 0 {
		if recipient, err = id.FromBytes(rec); err != nil {
			return record.Value{}, err
		}
	}
	var nonceArr [record.NonceSize]byte
	copy(nonceArr[:], nonce)
	var sigArr [64]byte
	copy(sigArr[:], sig)
	return record.FromWireFields(pubKey, recipient, nonceArr, seq, sigArr, data), nil
}

func decodeWirePeerInfo(peerID, nonce []byte, seq uint32, origin, originSig, sig []byte, fingerprint int64, endpoint string, extra []byte) (record.PeerInfo, error) {
	ownerID, err := id.FromBytes(peerID)
	if err != nil {
		return record.PeerInfo{}, err
	}
	var nonceArr [record.NonceSize]byte
	copy(nonceArr[:], nonce)
	var sigArr, originSigArr [64]byte
	copy(sigArr[:], sig)
	var originID id.Id
	hasOrigin := len(origin) > 0
	if hasOrigin {
		if originID, err = id.FromBytes(origin); err != nil {
			return record.PeerInfo{}, err
		}
		copy(originSigArr[:], originSig)
	}
	return record.PeerInfoFromWireFields(ownerID, nonceArr, seq, hasOrigin, originID, originSigArr, sigArr, fingerprint, endpoint, extra), nil
}

// toCborPeerInfoList applies the compact encoding: only peers[0] carries id.
func toCborPeerInfoList(peers []record.PeerInfo) ([]cborPeerInfo, error) {
	if len(peers) == 0 {
		return nil, nil
	}
	out := make([]cborPeerInfo, len(peers))
	for i, p := range peers {
		nonce := p.Nonce()
		sig := p.Signature()
		cp := cborPeerInfo{N: nonce[:], Seq: p.Sequence(), Sig: sig[:], F: p.Fingerprint(), E: p.Endpoint(), Ex: p.Extra()}
		if i == 0 {
			pid := p.ID()
			cp.ID = pid[:]
		}
		if origin, has := p.Origin(); has {
			cp.O = origin[:]
			osig := p.OriginSignature()
			cp.OS = osig[:]
		}
		out[i] = cp
	}
	return out, nil
}

// fromCborPeerInfoList reverses the compact encoding: peers[i>=1] inherit
// peers[0]'s id (spec §4.4).
func fromCborPeerInfoList(cps []cborPeerInfo) ([]record.PeerInfo, error) {
	if len(cps) == 0 {
		return nil, nil
	}
	out := make([]record.PeerInfo, len(cps))
	var firstID id.Id
	for i, cp := range cps {
		var peerID id.Id
		var err error
		if i == 0 {
			if peerID, err = id.FromBytes(cp.ID); err != nil {
				return nil, fmt.Errorf("wire: compact peer list first element must carry id: %w", err)
			}
			firstID = peerID
		} else {
			peerID = firstID
		}
		p, err := decodeWirePeerInfo(peerID[:], cp.N, cp.Seq, cp.O, cp.OS, cp.Sig, cp.F, cp.E, cp.Ex)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
