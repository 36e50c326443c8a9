package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// jsonBytes renders binary fields as URL-safe, unpadded base64 in the JSON
// codec (spec §6).
type jsonBytes []byte

func (b jsonBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b))
}

func (b *jsonBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*b = nil
		return nil
	}
	out, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("wire: invalid base64 field: %w", err)
	}
	*b = out
	return nil
}

// jsonNodeInfo renders NodeInfo's [id, ip, port] array with a Base58 id and
// a dotted/colon-form ip string (spec §6).
type jsonNodeInfo record.NodeInfo

func (n jsonNodeInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{n.ID.Base58(), n.Host.String(), n.Port})
}

func (n *jsonNodeInfo) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	var idStr, hostStr string
	var port uint16
	if err := json.Unmarshal(tuple[0], &idStr); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &hostStr); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[2], &port); err != nil {
		return err
	}
	nodeID, err := id.FromBase58(idStr)
	if err != nil {
		return err
	}
	host := net.ParseIP(hostStr)
	if host == nil {
		return fmt.Errorf("wire: invalid ip %q", hostStr)
	}
	*n = jsonNodeInfo(record.NewNodeInfo(nodeID, host, port))
	return nil
}

func toJSONNodeInfoList(ns []record.NodeInfo) []jsonNodeInfo {
	if len(ns) == 0 {
		return nil
	}
	out := make([]jsonNodeInfo, len(ns))
	for i, n := range ns {
		out[i] = jsonNodeInfo(n)
	}
	return out
}

func fromJSONNodeInfoList(ns []jsonNodeInfo) []record.NodeInfo {
	if len(ns) == 0 {
		return nil
	}
	out := make([]record.NodeInfo, len(ns))
	for i, n := range ns {
		out[i] = record.NodeInfo(n)
	}
	return out
}

type jsonEnvelope struct {
	Y byte            `json:"y"`
	T uint32          `json:"t"`
	V uint32          `json:"v,omitempty"`
	Q json.RawMessage `json:"q,omitempty"`
	R json.RawMessage `json:"r,omitempty"`
	E json.RawMessage `json:"e,omitempty"`
}

type jsonFindNodeRequest struct {
	T string `json:"t"`
	W byte   `json:"w"`
}

type jsonFindNodeResponse struct {
	N4  []jsonNodeInfo `json:"n4,omitempty"`
	N6  []jsonNodeInfo `json:"n6,omitempty"`
	Tok *uint32        `json:"tok,omitempty"`
}

type jsonFindPeerRequest struct {
	T   string  `json:"t"`
	W   byte    `json:"w"`
	Cas *uint32 `json:"cas,omitempty"`
	E   *uint32 `json:"e,omitempty"`
}

type jsonPeerInfo struct {
	ID  string    `json:"id,omitempty"`
	N   jsonBytes `json:"n"`
	Seq uint32    `json:"seq,omitempty"`
	O   string    `json:"o,omitempty"`
	OS  jsonBytes `json:"os,omitempty"`
	Sig jsonBytes `json:"sig"`
	F   int64     `json:"f"`
	E   string    `json:"e"`
	Ex  jsonBytes `json:"ex,omitempty"`
}

type jsonFindPeerResponse struct {
	N4 []jsonNodeInfo `json:"n4,omitempty"`
	N6 []jsonNodeInfo `json:"n6,omitempty"`
	P  []jsonPeerInfo `json:"p,omitempty"`
}

type jsonFindValueRequest struct {
	T   string  `json:"t"`
	W   byte    `json:"w"`
	Cas *uint32 `json:"cas,omitempty"`
}

type jsonFindValueResponse struct {
	N4  []jsonNodeInfo `json:"n4,omitempty"`
	N6  []jsonNodeInfo `json:"n6,omitempty"`
	K   string         `json:"k,omitempty"`
	Rec string         `json:"rec,omitempty"`
	N   jsonBytes      `json:"n,omitempty"`
	Seq *uint32        `json:"seq,omitempty"`
	Sig jsonBytes      `json:"sig,omitempty"`
	V   jsonBytes      `json:"v,omitempty"`
}

type jsonStoreValueRequest struct {
	Tok uint32    `json:"tok"`
	Cas *uint32   `json:"cas,omitempty"`
	K   string    `json:"k,omitempty"`
	Rec string    `json:"rec,omitempty"`
	N   jsonBytes `json:"n,omitempty"`
	Seq uint32    `json:"seq,omitempty"`
	Sig jsonBytes `json:"sig,omitempty"`
	V   jsonBytes `json:"v"`
}

type jsonAnnouncePeerRequest struct {
	Tok uint32    `json:"tok"`
	Cas *uint32   `json:"cas,omitempty"`
	T   string    `json:"t"`
	N   jsonBytes `json:"n"`
	Seq uint32    `json:"seq,omitempty"`
	O   string    `json:"o,omitempty"`
	OS  jsonBytes `json:"os,omitempty"`
	Sig jsonBytes `json:"sig"`
	F   int64     `json:"f"`
	E   string    `json:"e"`
	Ex  jsonBytes `json:"ex,omitempty"`
}

type jsonErrorBody struct {
	C int32  `json:"c"`
	M string `json:"m"`
}

// EncodeJSON renders m as a single JSON object, the textual interop codec
// (spec §4.4, §6).
func EncodeJSON(m Message) ([]byte, error) {
	env := jsonEnvelope{Y: Y(m.Kind, m.Method), T: m.Txn, V: m.Version}

	var raw []byte
	var err error
	switch m.Kind {
	case KindRequest:
		raw, err = jsonEncodeRequestBody(m.Method, m.Body)
		env.Q = raw
	case KindResponse:
		raw, err = jsonEncodeResponseBody(m.Method, m.Body)
		env.R = raw
	case KindError:
		eb, ok := m.Body.(ErrorBody)
		if !ok {
			return nil, fmt.Errorf("wire: error message body must be ErrorBody, got %T", m.Body)
		}
		raw, err = json.Marshal(jsonErrorBody{C: eb.Code, M: eb.Message})
		env.E = raw
	default:
		return nil, ErrUnknownComposite
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeJSON parses a single JSON-encoded message.
func DecodeJSON(data []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	kind, method, err := SplitY(env.Y)
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind, Method: method, Txn: env.T, Version: env.V}

	switch kind {
	case KindRequest:
		m.Body, err = jsonDecodeRequestBody(method, env.Q)
	case KindResponse:
		m.Body, err = jsonDecodeResponseBody(method, env.R)
	case KindError:
		var eb jsonErrorBody
		if len(env.E) > 0 {
			if err = json.Unmarshal(env.E, &eb); err == nil {
				m.Body = ErrorBody{Code: eb.C, Message: eb.M}
			}
		}
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func jsonEncodeRequestBody(method Method, body Body) ([]byte, error) {
	switch b := body.(type) {
	case FindNodeRequest:
		return json.Marshal(jsonFindNodeRequest{T: b.Target.Base58(), W: byte(b.Want)})
	case FindPeerRequest:
		return json.Marshal(jsonFindPeerRequest{T: b.Target.Base58(), W: byte(b.Want), Cas: b.Cas, E: b.Expected})
	case FindValueRequest:
		return json.Marshal(jsonFindValueRequest{T: b.Target.Base58(), W: byte(b.Want), Cas: b.Cas})
	case StoreValueRequest:
		req := jsonStoreValueRequest{Tok: b.Token, Cas: b.Cas, Seq: b.Value.Sequence(), V: b.Value.Data()}
		if !b.Value.PublicKey().IsZero() {
			req.K = b.Value.PublicKey().Base58()
		}
		if !b.Value.Recipient().IsZero() {
			req.Rec = b.Value.Recipient().Base58()
		}
		if b.Value.IsMutable() {
			nonce := b.Value.Nonce()
			req.N = nonce[:]
			sig := b.Value.Signature()
			req.Sig = sig[:]
		}
		return json.Marshal(req)
	case AnnouncePeerRequest:
		nonce := b.Peer.Nonce()
		sig := b.Peer.Signature()
		req := jsonAnnouncePeerRequest{
			Tok: b.Token, Cas: b.Cas, T: b.Peer.ID().Base58(), N: nonce[:], Seq: b.Peer.Sequence(),
			Sig: sig[:], F: b.Peer.Fingerprint(), E: b.Peer.Endpoint(), Ex: b.Peer.Extra(),
		}
		if origin, has := b.Peer.Origin(); has {
			req.O = origin.Base58()
			osig := b.Peer.OriginSignature()
			req.OS = osig[:]
		}
		return json.Marshal(req)
	case PingRequest:
		return nil, nil
	default:
		return nil, fmt.Errorf("wire: unsupported request body %T for method %v", body, method)
	}
}

func jsonDecodeRequestBody(method Method, raw json.RawMessage) (Body, error) {
	switch method {
	case MethodPing:
		return PingRequest{}, nil
	case MethodFindNode:
		var r jsonFindNodeRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		target, err := id.FromBase58(r.T)
		if err != nil {
			return nil, err
		}
		return FindNodeRequest{Target: target, Want: Want(r.W)}, nil
	case MethodFindPeer:
		var r jsonFindPeerRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		target, err := id.FromBase58(r.T)
		if err != nil {
			return nil, err
		}
		return FindPeerRequest{Target: target, Want: Want(r.W), Cas: r.Cas, Expected: r.E}, nil
	case MethodFindValue:
		var r jsonFindValueRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		target, err := id.FromBase58(r.T)
		if err != nil {
			return nil, err
		}
		return FindValueRequest{Target: target, Want: Want(r.W), Cas: r.Cas}, nil
	case MethodStoreValue:
		var r jsonStoreValueRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		v, err := decodeJSONValue(r.K, r.Rec, r.N, r.Seq, r.Sig, r.V)
		if err != nil {
			return nil, err
		}
		return StoreValueRequest{Token: r.Tok, Cas: r.Cas, Value: v}, nil
	case MethodAnnouncePeer:
		var r jsonAnnouncePeerRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		p, err := decodeJSONPeerInfo(r.T, r.N, r.Seq, r.O, r.OS, r.Sig, r.F, r.E, r.Ex)
		if err != nil {
			return nil, err
		}
		return AnnouncePeerRequest{Token: r.Tok, Cas: r.Cas, Peer: p}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported request method %v", method)
	}
}

func jsonEncodeResponseBody(method Method, body Body) ([]byte, error) {
	switch b := body.(type) {
	case FindNodeResponse:
		return json.Marshal(jsonFindNodeResponse{N4: toJSONNodeInfoList(b.N4), N6: toJSONNodeInfoList(b.N6), Tok: b.Token})
	case FindPeerResponse:
		return json.Marshal(jsonFindPeerResponse{N4: toJSONNodeInfoList(b.N4), N6: toJSONNodeInfoList(b.N6), P: toJSONPeerInfoList(b.Peers)})
	case FindValueResponse:
		resp := jsonFindValueResponse{N4: toJSONNodeInfoList(b.N4), N6: toJSONNodeInfoList(b.N6)}
		if b.Value != nil {
			if !b.Value.PublicKey().IsZero() {
				resp.K = b.Value.PublicKey().Base58()
			}
			if !b.Value.Recipient().IsZero() {
				resp.Rec = b.Value.Recipient().Base58()
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
		return json.Marshal(resp)
	case VoidResponse:
		return nil, nil
	default:
		return nil, fmt.Errorf("wire: unsupported response body %T for method %v", body, method)
	}
}

func jsonDecodeResponseBody(method Method, raw json.RawMessage) (Body, error) {
	switch method {
	case MethodPing:
		return VoidResponse{}, nil
	case MethodFindNode:
		var r jsonFindNodeResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return FindNodeResponse{N4: fromJSONNodeInfoList(r.N4), N6: fromJSONNodeInfoList(r.N6), Token: r.Tok}, nil
	case MethodFindPeer:
		var r jsonFindPeerResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		peers, err := fromJSONPeerInfoList(r.P)
		if err != nil {
			return nil, err
		}
		return FindPeerResponse{N4: fromJSONNodeInfoList(r.N4), N6: fromJSONNodeInfoList(r.N6), Peers: peers}, nil
	case MethodFindValue:
		var r jsonFindValueResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		resp := FindValueResponse{N4: fromJSONNodeInfoList(r.N4), N6: fromJSONNodeInfoList(r.N6)}
		if r.V != nil {
			var seq uint32
			if r.Seq != nil {
				seq = *r.Seq
			}
			v, err := decodeJSONValue(r.K, r.Rec, r.N, seq, r.Sig, r.V)
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

func decodeJSONValue(k, rec string, nonce jsonBytes, seq uint32, sig, data jsonBytes) (record.Value, error) {
	var pubKey, recipient id.Id
	var err error
	if k != "" {
		if pubKey, err = id.FromBase58(k); err != nil {
			return record.Value{}, err
		}
	}
	if rec != "" {
		if recipient, err = id.FromBase58(rec); err != nil {
			return record.Value{}, err
		}
	}
	var nonceArr [record.NonceSize]byte
	copy(nonceArr[:], nonce)
	var sigArr [64]byte
	copy(sigArr[:], sig)
	return record.FromWireFields(pubKey, recipient, nonceArr, seq, sigArr, data), nil
}

func decodeJSONPeerInfo(peerID string, nonce jsonBytes, seq uint32, origin string, originSig, sig jsonBytes, fingerprint int64, endpoint string, extra jsonBytes) (record.PeerInfo, error) {
	ownerID, err := id.FromBase58(peerID)
	if err != nil {
		return record.PeerInfo{}, err
	}
	var nonceArr [record.NonceSize]byte
	copy(nonceArr[:], nonce)
	var sigArr, originSigArr [64]byte
	copy(sigArr[:], sig)
	var originID id.Id
	hasOrigin := origin != ""
	if hasOrigin {
		if originID, err = id.FromBase58(origin); err != nil {
			return record.PeerInfo{}, err
		}
		copy(originSigArr[:], originSig)
	}
	return record.PeerInfoFromWireFields(ownerID, nonceArr, seq, hasOrigin, originID, originSigArr, sigArr, fingerprint, endpoint, []byte(extra)), nil
}

func toJSONPeerInfoList(peers []record.PeerInfo) []jsonPeerInfo {
	if len(peers) == 0 {
		return nil
	}
	out := make([]jsonPeerInfo, len(peers))
	for i, p := range peers {
		nonce := p.Nonce()
		sig := p.Signature()
		jp := jsonPeerInfo{N: nonce[:], Seq: p.Sequence(), Sig: sig[:], F: p.Fingerprint(), E: p.Endpoint(), Ex: p.Extra()}
		if i == 0 {
			jp.ID = p.ID().Base58()
		}
		if origin, has := p.Origin(); has {
			jp.O = origin.Base58()
			osig := p.OriginSignature()
			jp.OS = osig[:]
		}
		out[i] = jp
	}
	return out
}

func fromJSONPeerInfoList(jps []jsonPeerInfo) ([]record.PeerInfo, error) {
	if len(jps) == 0 {
		return nil, nil
	}
	out := make([]record.PeerInfo, len(jps))
	var firstID string
	for i, jp := range jps {
		peerIDStr := jp.ID
		if i == 0 {
			if peerIDStr == "" {
				return nil, fmt.Errorf("wire: compact peer list first element must carry id")
			}
			firstID = peerIDStr
		} else {
			peerIDStr = firstID
		}
		p, err := decodeJSONPeerInfo(peerIDStr, jp.N, jp.Seq, jp.O, jp.OS, jp.Sig, jp.F, jp.E, []byte(jp.Ex))
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
