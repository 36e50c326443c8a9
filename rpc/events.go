package rpc

import "github.com/boson-network/boson/internal/blog"

// Structured events for call lifecycle and token housekeeping, emitted when
// the embedder enables blog's event stream.
var (
	evCallTimeout   = blog.NewEvent("rpc", "callTimeout")
	evCallCanceled  = blog.NewEvent("rpc", "callCanceled")
	evTokenRotation = blog.NewEvent("rpc", "tokenRotation")
)
