package node

import (
	"context"
	"errors"

	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/rpc"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/wire"
)

// requestHandler implements rpc.RequestHandler for one address family's
// server. It never trusts from.ID (the transport never supplies one, spec
// §4.4) and instead derives any claimed identity from the signed record
// embedded in the request body, when the method requires one.
type requestHandler struct {
	node   *Node
	family *family
}

var _ rpc.RequestHandler = (*requestHandler)(nil)

// HandleRequest dispatches msg to the method-appropriate responder (spec
// §4.4's six request shapes, Ping included).
func (h *requestHandler) HandleRequest(from record.NodeInfo, msg wire.Message) (wire.Body, error) {
	switch body := msg.Body.(type) {
	case wire.PingRequest:
		return wire.VoidResponse{}, nil
	case wire.FindNodeRequest:
		return h.handleFindNode(from, body)
	case wire.FindValueRequest:
		return h.handleFindValue(from, body)
	case wire.FindPeerRequest:
		return h.handleFindPeer(from, body)
	case wire.StoreValueRequest:
		return h.handleStoreValue(from, body)
	case wire.AnnouncePeerRequest:
		return h.handleAnnouncePeer(from, body)
	default:
		return nil, &rpc.ProtocolError{Code: rpc.ErrCodeProtocolError, Message: "rpc: unsupported request body"}
	}
}

func (h *requestHandler) handleFindNode(from record.NodeInfo, req wire.FindNodeRequest) (wire.Body, error) {
	n4, n6 := h.node.closestSplit(req.Target)
	resp := wire.FindNodeResponse{N4: n4, N6: n6}
	if req.Want.WantToken() {
		tok := h.family.srv.Tokens().Issue(from.Addr(), req.Target)
		resp.Token = &tok
	}
	return resp, nil
}

func (h *requestHandler) handleFindValue(from record.NodeInfo, req wire.FindValueRequest) (wire.Body, error) {
	ctx := context.Background()
	v, err := h.node.storage.GetValue(ctx, req.Target)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		n4, n6 := h.node.closestSplit(req.Target)
		return wire.FindValueResponse{N4: n4, N6: n6}, nil
	}
	if req.Cas != nil && v.Sequence() != 0 && v.Sequence() <= *req.Cas {
		n4, n6 := h.node.closestSplit(req.Target)
		return wire.FindValueResponse{N4: n4, N6: n6}, nil
	}
	return wire.FindValueResponse{Value: &v}, nil
}

func (h *requestHandler) handleFindPeer(from record.NodeInfo, req wire.FindPeerRequest) (wire.Body, error) {
	ctx := context.Background()
	peers, err := h.node.storage.GetPeers(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	if req.Expected != nil && uint32(len(peers)) > *req.Expected {
		peers = peers[:*req.Expected]
	}
	n4, n6 := h.node.closestSplit(req.Target)
	resp := wire.FindPeerResponse{N4: n4, N6: n6, Peers: peers}
	return resp, nil
}

func (h *requestHandler) handleStoreValue(from record.NodeInfo, req wire.StoreValueRequest) (wire.Body, error) {
	if !h.family.srv.Tokens().Verify(req.Token, from.Addr(), req.Value.Id()) {
		return nil, &rpc.ProtocolError{Code: rpc.ErrCodeProtocolError, Message: "invalid token"}
	}
	if !req.Value.IsValid() {
		return nil, &rpc.ProtocolError{Code: rpc.ErrCodeProtocolError, Message: "rpc: record fails validation"}
	}
	ctx := context.Background()
	if err := h.node.storage.PutValue(ctx, req.Value); err != nil {
		if errors.Is(err, storage.ErrSequenceNotMonotonic) {
			return nil, &rpc.ProtocolError{Code: rpc.ErrCodeConsistency, Message: err.Error()}
		}
		return nil, err
	}
	_ = h.node.storage.Touch(ctx, req.Value.Id(), now())
	return wire.VoidResponse{}, nil
}

func (h *requestHandler) handleAnnouncePeer(from record.NodeInfo, req wire.AnnouncePeerRequest) (wire.Body, error) {
	target := req.Peer.ID()
	if !h.family.srv.Tokens().Verify(req.Token, from.Addr(), target) {
		return nil, &rpc.ProtocolError{Code: rpc.ErrCodeProtocolError, Message: "invalid token"}
	}
	if !req.Peer.IsValid() {
		return nil, &rpc.ProtocolError{Code: rpc.ErrCodeProtocolError, Message: "rpc: peer record fails validation"}
	}
	ctx := context.Background()
	if err := h.node.storage.PutPeer(ctx, target, req.Peer); err != nil {
		return nil, err
	}
	_ = h.node.storage.Touch(ctx, target, now())
	return wire.VoidResponse{}, nil
}
