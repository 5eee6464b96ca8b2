package gateway

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchd/faasgate/pkg/funcconfig"
	"github.com/dispatchd/faasgate/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFuncConfig(t *testing.T) *funcconfig.Config {
	t.Helper()
	cfg, err := funcconfig.Parse([]byte(`[
		{"funcName": "hello", "funcId": 7},
		{"funcName": "acme.Echo", "funcId": 8, "grpcService": true, "grpcMethods": ["Ping"]}
	]`))
	require.NoError(t, err)
	return cfg
}

type fakeSend struct {
	nodeID  uint16
	msg     protocol.GatewayMessage
	payload []byte
}

// fakeNodes is a scriptable NodeManager: pickable toggles whether Pick
// succeeds, sendOK whether SendMessage succeeds.
type fakeNodes struct {
	mu       sync.Mutex
	pickable bool
	sendOK   bool
	nodeID   uint16

	picked   []protocol.FuncCall
	finished []protocol.FuncCall
	sent     []fakeSend
}

func newFakeNodes(pickable, sendOK bool) *fakeNodes {
	return &fakeNodes{pickable: pickable, sendOK: sendOK, nodeID: 4}
}

func (f *fakeNodes) RegisterLink(*EngineLink)             {}
func (f *fakeNodes) UnregisterLink(nodeID, connID uint16) {}

func (f *fakeNodes) Pick(fc protocol.FuncCall) (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pickable {
		return 0, false
	}
	f.picked = append(f.picked, fc)
	return f.nodeID, true
}

func (f *fakeNodes) Finished(fc protocol.FuncCall, nodeID uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, fc)
}

func (f *fakeNodes) SendMessage(nodeID uint16, msg protocol.GatewayMessage, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sent = append(f.sent, fakeSend{nodeID: nodeID, msg: msg, payload: append([]byte(nil), payload...)})
	return true
}

func (f *fakeNodes) setPickable(pickable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pickable = pickable
}

func (f *fakeNodes) sentMessages() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSend(nil), f.sent...)
}

func (f *fakeNodes) finishedCalls() []protocol.FuncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.FuncCall(nil), f.finished...)
}

type testConn struct {
	id       int
	connType ConnType

	mu       sync.Mutex
	finished []*FuncCallContext
}

func (c *testConn) ID() int        { return c.id }
func (c *testConn) Type() ConnType { return c.connType }

func (c *testConn) OnFuncCallFinished(ctx *FuncCallContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, ctx)
}

func (c *testConn) finishedContexts() []*FuncCallContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FuncCallContext(nil), c.finished...)
}

func newTestDispatcher(t *testing.T, nodes NodeManager) *Dispatcher {
	t.Helper()
	logger := testLogger()
	return NewDispatcher(testFuncConfig(t), nodes, NewStatsBlock(logger), logger)
}

func registeredConn(d *Dispatcher) *testConn {
	conn := &testConn{id: d.AllocConnID(), connType: ConnTypeHTTP}
	d.RegisterClientConn(conn)
	return conn
}

func TestSyncHappyPath(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "hello", Input: []byte("hi")}
	d.OnNewCall(conn, fctx)

	sent := nodes.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MessageTypeDispatchFuncCall, sent[0].msg.MessageType)
	assert.Equal(t, uint16(7), sent[0].msg.FuncID)
	assert.Equal(t, uint16(1), sent[0].msg.CallID)
	assert.Equal(t, []byte("hi"), sent[0].payload)
	assert.Equal(t, 1, d.RunningCount())
	assert.Empty(t, conn.finishedContexts())

	reply := protocol.NewFuncCallComplete(fctx.FuncCall(), 100)
	d.OnEngineMessage(nodes.nodeID, reply, []byte("HI"))

	finished := conn.finishedContexts()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusSuccess, finished[0].Status)
	assert.Equal(t, []byte("HI"), finished[0].Output)
	assert.Equal(t, 0, d.RunningCount())
	require.Len(t, nodes.finishedCalls(), 1)
	assert.Equal(t, fctx.FuncCall(), nodes.finishedCalls()[0])
}

func TestUnknownFunction(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "bye"}
	d.OnNewCall(conn, fctx)

	finished := conn.finishedContexts()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusNotFound, finished[0].Status)
	assert.Empty(t, nodes.sentMessages())
	assert.Equal(t, 0, d.RunningCount())
	assert.Equal(t, 0, d.PendingCount())
}

func TestUnknownGrpcMethod(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)

	tests := []struct {
		name string
		ctx  *FuncCallContext
	}{
		{"method on non-grpc function", &FuncCallContext{FuncName: "hello", MethodName: "Ping"}},
		{"unknown method", &FuncCallContext{FuncName: "acme.Echo", MethodName: "Pong"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := registeredConn(d)
			d.OnNewCall(conn, tc.ctx)
			finished := conn.finishedContexts()
			require.Len(t, finished, 1)
			assert.Equal(t, StatusNotFound, finished[0].Status)
		})
	}
	assert.Empty(t, nodes.sentMessages())
}

func TestGrpcMethodIDCarried(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "acme.Echo", MethodName: "Ping", Input: []byte("x")}
	d.OnNewCall(conn, fctx)

	sent := nodes.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(8), sent[0].msg.FuncID)
	assert.Equal(t, uint16(0), sent[0].msg.MethodID)
	assert.Equal(t, fctx.FuncCall(), sent[0].msg.FuncCall())
}

func TestQueueAndDrainFIFO(t *testing.T) {
	nodes := newFakeNodes(false, true)
	d := newTestDispatcher(t, nodes)

	var ctxs []*FuncCallContext
	for i := 0; i < 3; i++ {
		conn := registeredConn(d)
		fctx := &FuncCallContext{FuncName: "hello", Input: []byte{byte('1' + i)}}
		d.OnNewCall(conn, fctx)
		ctxs = append(ctxs, fctx)
	}
	assert.Equal(t, 3, d.PendingCount())
	assert.Equal(t, 0, d.RunningCount())
	assert.Empty(t, nodes.sentMessages())

	nodes.setPickable(true)
	d.OnNodeAvailable(nodes.nodeID)

	sent := nodes.sentMessages()
	require.Len(t, sent, 3)
	for i, s := range sent {
		assert.Equal(t, ctxs[i].FuncCall(), s.msg.FuncCall(), "drain order")
		assert.Equal(t, []byte{byte('1' + i)}, s.payload)
	}
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, 3, d.RunningCount())
}

func TestClientDisconnectDiscardsResult(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "hello", Input: []byte("hi")}
	d.OnNewCall(conn, fctx)
	require.Equal(t, 1, d.RunningCount())

	d.DiscardCall(fctx.FuncCall())
	d.UnregisterClientConn(conn.ID())

	payload := make([]byte, 1<<20)
	d.OnEngineMessage(nodes.nodeID, protocol.NewFuncCallComplete(fctx.FuncCall(), 100), payload)

	assert.Empty(t, conn.finishedContexts(), "callback must not fire after discard")
	assert.Equal(t, 0, d.RunningCount())
	d.table.mu.Lock()
	_, stillDiscarded := d.table.discarded[fctx.FuncCall().FullCallID()]
	d.table.mu.Unlock()
	assert.False(t, stillDiscarded)
	require.Len(t, nodes.finishedCalls(), 1)
}

func TestEngineSendFailureSync(t *testing.T) {
	nodes := newFakeNodes(true, false)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "hello", Input: []byte("hi")}
	d.OnNewCall(conn, fctx)

	finished := conn.finishedContexts()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusNotFound, finished[0].Status)
	require.Len(t, nodes.finishedCalls(), 1, "reservation must be released exactly once")
	assert.Equal(t, fctx.FuncCall(), nodes.finishedCalls()[0])
	assert.Equal(t, 0, d.RunningCount())
	assert.Equal(t, 0, d.PendingCount())
}

func TestAsyncFireAndForgetNoNodes(t *testing.T) {
	nodes := newFakeNodes(false, true)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	input := []byte("job")
	fctx := &FuncCallContext{FuncName: "hello", Input: input, IsAsync: true}
	d.OnNewCall(conn, fctx)

	// Accept is success, before any dispatch.
	finished := conn.finishedContexts()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusSuccess, finished[0].Status)
	assert.Equal(t, 1, d.PendingCount())

	// The queue owns its copy of the input.
	input[0] = 'X'
	nodes.setPickable(true)
	d.OnNodeAvailable(nodes.nodeID)

	sent := nodes.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("job"), sent[0].payload)
	assert.Equal(t, 1, d.RunningCount())

	d.OnEngineMessage(nodes.nodeID, protocol.NewFuncCallComplete(fctx.FuncCall(), 50), []byte("done"))
	assert.Equal(t, 0, d.RunningCount())

	// Async complete records the per-function end-to-end delay.
	d.stats.mu.Lock()
	pf := d.stats.perFunc[7]
	require.NotNil(t, pf)
	assert.Len(t, pf.end2endDelay.samples, 1)
	d.stats.mu.Unlock()
}

func TestAsyncDispatchedImmediately(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "hello", Input: []byte("go"), IsAsync: true}
	d.OnNewCall(conn, fctx)

	finished := conn.finishedContexts()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusSuccess, finished[0].Status)
	assert.Equal(t, 1, d.RunningCount())

	// A later failure reply must not orphan the entry; it just logs.
	d.OnEngineMessage(nodes.nodeID, protocol.NewFuncCallFailed(fctx.FuncCall()), nil)
	assert.Equal(t, 0, d.RunningCount())
	assert.Len(t, conn.finishedContexts(), 1, "no second callback for async calls")
}

func TestAsyncSendFailureSurfacesNotFound(t *testing.T) {
	nodes := newFakeNodes(true, false)
	d := newTestDispatcher(t, nodes)
	conn := registeredConn(d)

	fctx := &FuncCallContext{FuncName: "hello", IsAsync: true}
	d.OnNewCall(conn, fctx)

	finished := conn.finishedContexts()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusNotFound, finished[0].Status)
	require.Len(t, nodes.finishedCalls(), 1)
	assert.Equal(t, 0, d.RunningCount())
}

func TestLateReplyIsIgnored(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)

	fc := protocol.FuncCall{FuncID: 7, CallID: 99}
	d.OnEngineMessage(nodes.nodeID, protocol.NewFuncCallComplete(fc, 10), nil)

	// The node reservation is still released, nothing else changes.
	require.Len(t, nodes.finishedCalls(), 1)
	assert.Equal(t, 0, d.RunningCount())
}

func TestDrainDropsDeadConnections(t *testing.T) {
	nodes := newFakeNodes(false, true)
	d := newTestDispatcher(t, nodes)

	conn1 := registeredConn(d)
	ctx1 := &FuncCallContext{FuncName: "hello", Input: []byte("1")}
	d.OnNewCall(conn1, ctx1)

	conn2 := registeredConn(d)
	ctx2 := &FuncCallContext{FuncName: "hello", Input: []byte("2")}
	d.OnNewCall(conn2, ctx2)

	// conn1 disconnects while queued.
	d.DiscardCall(ctx1.FuncCall())
	d.UnregisterClientConn(conn1.ID())

	nodes.setPickable(true)
	d.OnNodeAvailable(nodes.nodeID)

	sent := nodes.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, ctx2.FuncCall(), sent[0].msg.FuncCall())
	assert.Empty(t, conn1.finishedContexts())
	assert.Equal(t, 0, d.PendingCount())
}

func TestMonotonicCallIDs(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)

	var last uint16
	for i := 0; i < 10; i++ {
		conn := registeredConn(d)
		fctx := &FuncCallContext{FuncName: "hello", IsAsync: true}
		d.OnNewCall(conn, fctx)
		callID := fctx.FuncCall().CallID
		if i > 0 {
			assert.Greater(t, callID, last)
		}
		last = callID
	}
}

func TestPendingRunningDisjoint(t *testing.T) {
	nodes := newFakeNodes(false, true)
	d := newTestDispatcher(t, nodes)

	var calls []*FuncCallContext
	for i := 0; i < 4; i++ {
		conn := registeredConn(d)
		fctx := &FuncCallContext{FuncName: "hello", IsAsync: true}
		d.OnNewCall(conn, fctx)
		calls = append(calls, fctx)
	}
	nodes.setPickable(true)
	d.OnNodeAvailable(nodes.nodeID)

	d.table.mu.Lock()
	pendingIDs := make(map[uint64]struct{})
	for _, st := range d.table.pending {
		pendingIDs[st.funcCall.FullCallID()] = struct{}{}
	}
	for full := range d.table.running {
		_, both := pendingIDs[full]
		assert.False(t, both, "call in both pending and running")
	}
	d.table.mu.Unlock()

	for _, fctx := range calls {
		d.OnEngineMessage(nodes.nodeID, protocol.NewFuncCallComplete(fctx.FuncCall(), 1), nil)
	}
	assert.Equal(t, 0, d.RunningCount())
	assert.Len(t, nodes.finishedCalls(), 4)
}

func TestConcurrentCallsBalanceReservations(t *testing.T) {
	nodes := newFakeNodes(true, true)
	d := newTestDispatcher(t, nodes)

	const callers = 16
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			conn := registeredConn(d)
			fctx := &FuncCallContext{FuncName: "hello", Input: []byte("x")}
			d.OnNewCall(conn, fctx)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, callers, d.RunningCount())

	for _, s := range nodes.sentMessages() {
		d.OnEngineMessage(nodes.nodeID, protocol.NewFuncCallComplete(s.msg.FuncCall(), 1), []byte("ok"))
	}
	assert.Equal(t, 0, d.RunningCount())
	assert.Len(t, nodes.finishedCalls(), callers)
}
