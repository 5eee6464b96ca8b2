package gateway

import (
	"sync"
	"time"

	"github.com/dispatchd/faasgate/pkg/protocol"
)

// callState is the lifecycle record of one invocation. It lives in the call
// table's pending queue until a node is picked, then in the running map until
// the engine reply is processed.
type callState struct {
	funcCall     protocol.FuncCall
	connectionID int              // connNone for async calls
	ctx          *FuncCallContext // nil for async calls

	recvTimestamp     int64 // monotonic microseconds
	dispatchTimestamp int64

	// ownedInput holds a copy of the input for async calls that were queued;
	// the client's buffer is not retained past accept.
	ownedInput []byte
}

// callTable is the authoritative in-memory state of in-flight invocations.
// One mutex protects all five structures; critical sections are short and
// never span a send.
type callTable struct {
	mu sync.Mutex

	pending   []*callState
	running   map[uint64]*callState
	discarded map[uint64]struct{}

	connections       map[int]ClientConn
	engineConnections map[uint32]*EngineLink
}

func newCallTable() *callTable {
	return &callTable{
		running:           make(map[uint64]*callState),
		discarded:         make(map[uint64]struct{}),
		connections:       make(map[int]ClientConn),
		engineConnections: make(map[uint32]*EngineLink),
	}
}

func engineConnKey(nodeID, connID uint16) uint32 {
	return uint32(nodeID)<<16 | uint32(connID)
}

var processStart = time.Now()

// monotonicMicros is the monotonic clock used for all call timestamps.
func monotonicMicros() int64 {
	return time.Since(processStart).Microseconds()
}
