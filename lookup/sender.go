package lookup

import (
	"time"

	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/rpc"
	"github.com/boson-network/boson/wire"
)

// ServerSender adapts *rpc.Server to the Sender interface, the only place
// Lookup and *rpc.Call's concrete type meet. Construct with ServerSender{srv}.
type ServerSender struct {
	Server *rpc.Server
}

func (s ServerSender) Call(dest record.NodeInfo, method wire.Method, body wire.Body, timeout time.Duration) (Waiter, error) {
	call, err := s.Server.Call(dest, method, body, timeout)
	if err != nil {
		return nil, err
	}
	return serverCall{srv: s.Server, call: call}, nil
}

// serverCall pairs a live call with the server that can cancel it.
type serverCall struct {
	srv  *rpc.Server
	call *rpc.Call
}

func (c serverCall) Wait() (wire.Message, error) { return c.call.Wait() }
func (c serverCall) Cancel()                     { c.srv.Cancel(c.call) }
