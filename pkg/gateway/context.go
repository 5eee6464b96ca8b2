package gateway

import (
	"github.com/dispatchd/faasgate/pkg/protocol"
)

// CallStatus is the terminal (or pending) state of an invocation as seen by
// the client.
type CallStatus int

const (
	StatusPending CallStatus = iota
	StatusSuccess
	StatusFailed
	StatusNotFound
)

func (s CallStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// FuncCallContext carries one invocation from a client front through the
// dispatcher and back. The front owns Input until the call is finished or
// discarded; for queued async calls the dispatcher takes its own copy.
type FuncCallContext struct {
	FuncName   string
	MethodName string
	Input      []byte
	IsAsync    bool

	Status CallStatus
	Output []byte

	funcCall protocol.FuncCall
}

// FuncCall returns the identifier assigned by the dispatcher.
func (c *FuncCallContext) FuncCall() protocol.FuncCall {
	return c.funcCall
}

// AppendOutput accumulates result payload bytes.
func (c *FuncCallContext) AppendOutput(payload []byte) {
	c.Output = append(c.Output, payload...)
}

// ConnType distinguishes client connection variants.
type ConnType int

const (
	ConnTypeHTTP ConnType = iota
	ConnTypeGRPC
)

// connNone marks the connection id of async calls, which have no parent
// connection once accepted.
const connNone = -1

// ClientConn is the capability the dispatcher needs from a client
// connection: an identity and a completion callback. The call table holds
// the only retained reference, keyed by ID.
type ClientConn interface {
	ID() int
	Type() ConnType
	// OnFuncCallFinished hands a finished context back to the owning front.
	// Called at most once per context, never after a discard.
	OnFuncCallFinished(ctx *FuncCallContext)
}
