package lookup

import (
	"context"
	"sync"
	"time"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/wire"
)

// WriteResult reports how a write's fanout went (spec §4.6: "success =
// response from at least one; best-effort for the rest").
type WriteResult struct {
	Attempted int
	Successes int
	LastError error
}

// OK reports whether at least one destination acknowledged the write.
func (r WriteResult) OK() bool { return r.Successes > 0 }

// StoreValue runs a FindNode-style token lookup toward v.Id() and fans the
// write out to the K closest confirmed responders in parallel (spec §4.6
// steps 1-3). Callers handling localOnly writes should skip this entirely
// and write directly to storage, per spec §4.6's "local writes bypass
// step 1-3" note — there is nothing for this function to do in that case.
func StoreValue(ctx context.Context, sender Sender, routing RoutingSource, local id.Id, v record.Value, cfg Config) (WriteResult, error) {
	cfg.Want = wire.NewWant(true, true, true)
	res, err := FindNode(ctx, sender, routing, local, v.Id(), cfg)
	if err != nil && len(res.Closest) == 0 {
		return WriteResult{}, err
	}
	return fanOut(sender, res.Closest, res.Tokens, cfg.CallTimeout, func(tok uint32) (wire.Method, wire.Body) {
		return wire.MethodStoreValue, wire.StoreValueRequest{Token: tok, Value: v}
	}), nil
}

// AnnouncePeer is StoreValue's counterpart for PeerInfo announcements. The
// rendezvous id is p's own service key (spec §3: peers are stored at the
// nodes closest to the announced id), so the token lookup targets p.ID().
func AnnouncePeer(ctx context.Context, sender Sender, routing RoutingSource, local id.Id, p record.PeerInfo, cfg Config) (WriteResult, error) {
	cfg.Want = wire.NewWant(true, true, true)
	res, err := FindNode(ctx, sender, routing, local, p.ID(), cfg)
	if err != nil && len(res.Closest) == 0 {
		return WriteResult{}, err
	}
	return fanOut(sender, res.Closest, res.Tokens, cfg.CallTimeout, func(tok uint32) (wire.Method, wire.Body) {
		return wire.MethodAnnouncePeer, wire.AnnouncePeerRequest{Token: tok, Peer: p}
	}), nil
}

func fanOut(sender Sender, nodes []record.NodeInfo, tokens map[id.Id]uint32, timeout time.Duration, build func(tok uint32) (wire.Method, wire.Body)) WriteResult {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		res WriteResult
	)
	for _, n := range nodes {
		tok, ok := tokens[n.ID]
		if !ok {
			// Never got a token from this responder during the lookup;
			// skip rather than send a write that can only be rejected.
			continue
		}
		res.Attempted++
		wg.Add(1)
		go func(n record.NodeInfo, tok uint32) {
			defer wg.Done()
			method, body := build(tok)
			call, err := sender.Call(n, method, body, timeout)
			if err == nil {
				_, err = call.Wait()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.LastError = err
				return
			}
			res.Successes++
		}(n, tok)
	}
	wg.Wait()
	return res
}
