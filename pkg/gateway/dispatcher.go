package gateway

import (
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/dispatchd/faasgate/pkg/funcconfig"
	"github.com/dispatchd/faasgate/pkg/protocol"
)

// Dispatcher glues the function config, node manager, call table and stats
// block together. Its methods are called from whichever goroutine owns the
// triggering connection; cross-connection state is only touched under the
// call table mutex, which is never held across a send.
type Dispatcher struct {
	funcConfig *funcconfig.Config
	nodes      NodeManager
	table      *callTable
	stats      *StatsBlock
	logger     *slog.Logger

	nextCallID atomic.Uint32
	nextConnID atomic.Int64
}

func NewDispatcher(cfg *funcconfig.Config, nodes NodeManager, stats *StatsBlock, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		funcConfig: cfg,
		nodes:      nodes,
		table:      newCallTable(),
		stats:      stats,
		logger:     logger.With("component", "dispatcher"),
	}
	d.nextCallID.Store(1)
	return d
}

// AllocConnID hands out a client connection id, unique across all fronts.
func (d *Dispatcher) AllocConnID() int {
	return int(d.nextConnID.Add(1))
}

// RegisterClientConn makes a client connection reachable for completion
// callbacks. The table's map is the single owner of the handle.
func (d *Dispatcher) RegisterClientConn(conn ClientConn) {
	d.table.mu.Lock()
	defer d.table.mu.Unlock()
	d.table.connections[conn.ID()] = conn
}

// UnregisterClientConn removes a client connection. Callers must issue
// DiscardCall for any outstanding call before removal.
func (d *Dispatcher) UnregisterClientConn(connID int) {
	d.table.mu.Lock()
	defer d.table.mu.Unlock()
	delete(d.table.connections, connID)
}

// OnNewCall handles an invocation produced by a client connection. The
// function name (and gRPC method, when set) is resolved against the config;
// unknown targets finish immediately with not_found and produce no engine
// traffic.
func (d *Dispatcher) OnNewCall(parent ClientConn, ctx *FuncCallContext) {
	entry, ok := d.funcConfig.FindByName(ctx.FuncName)
	if !ok {
		ctx.Status = StatusNotFound
		parent.OnFuncCallFinished(ctx)
		return
	}
	var methodID uint16
	if ctx.MethodName != "" {
		if !entry.IsGrpcService {
			ctx.Status = StatusNotFound
			parent.OnFuncCallFinished(ctx)
			return
		}
		methodID, ok = entry.GrpcMethodID(ctx.MethodName)
		if !ok {
			ctx.Status = StatusNotFound
			parent.OnFuncCallFinished(ctx)
			return
		}
	}
	callID := d.nextCallID.Add(1) - 1
	ctx.funcCall = protocol.FuncCall{
		FuncID:   entry.FuncID,
		MethodID: methodID,
		CallID:   uint16(callID),
	}
	d.logger.Debug("new func call", "func_call", ctx.funcCall.String(), "async", ctx.IsAsync)
	d.onNewFuncCallCommon(parent, ctx)
}

func (d *Dispatcher) onNewFuncCallCommon(parent ClientConn, ctx *FuncCallContext) {
	fc := ctx.funcCall
	state := &callState{
		funcCall:     fc,
		connectionID: connNone,
	}
	if !ctx.IsAsync {
		state.connectionID = parent.ID()
		state.ctx = ctx
	}
	nodeID, nodePicked := d.nodes.Pick(fc)

	d.table.mu.Lock()
	state.recvTimestamp = monotonicMicros()
	inflight := len(d.table.pending) + len(d.table.running) + 1
	d.stats.TickNewCall(fc.FuncID, state.recvTimestamp, inflight)
	if !nodePicked {
		if ctx.IsAsync {
			// The queue keeps its own copy; the client buffer is handed back
			// on accept.
			state.ownedInput = slices.Clone(ctx.Input)
		}
		d.table.pending = append(d.table.pending, state)
	}
	d.table.mu.Unlock()

	dispatched := false
	if ctx.IsAsync {
		// Async calls surface success on accept, not on completion.
		switch {
		case !nodePicked:
			ctx.Status = StatusSuccess
		case d.dispatchAsync(fc, ctx.Input, nodeID):
			dispatched = true
			ctx.Status = StatusSuccess
		default:
			ctx.Status = StatusNotFound
		}
		parent.OnFuncCallFinished(ctx)
	} else if nodePicked && d.dispatchSync(parent, ctx, nodeID) {
		dispatched = true
	}

	if dispatched {
		d.table.mu.Lock()
		state.dispatchTimestamp = state.recvTimestamp
		d.table.running[fc.FullCallID()] = state
		d.stats.SampleRunning(len(d.table.running))
		d.table.mu.Unlock()
	}
}

// dispatchSync sends the envelope for a synchronous call. A send failure
// releases the node reservation and finishes the call as not_found.
func (d *Dispatcher) dispatchSync(parent ClientConn, ctx *FuncCallContext, nodeID uint16) bool {
	msg := protocol.NewDispatchFuncCall(ctx.funcCall)
	if d.nodes.SendMessage(nodeID, msg, ctx.Input) {
		return true
	}
	d.nodes.Finished(ctx.funcCall, nodeID)
	ctx.Status = StatusNotFound
	parent.OnFuncCallFinished(ctx)
	return false
}

// dispatchAsync sends the envelope for an async call. A send failure only
// releases the reservation; the caller decides what status to surface.
func (d *Dispatcher) dispatchAsync(fc protocol.FuncCall, input []byte, nodeID uint16) bool {
	msg := protocol.NewDispatchFuncCall(fc)
	if d.nodes.SendMessage(nodeID, msg, input) {
		return true
	}
	d.nodes.Finished(fc, nodeID)
	return false
}

// DiscardCall marks a call whose client has disconnected. The entry stays in
// pending/running so node accounting keeps matching the table; the normal
// completion or drain path reaps it.
func (d *Dispatcher) DiscardCall(fc protocol.FuncCall) {
	d.table.mu.Lock()
	defer d.table.mu.Unlock()
	d.table.discarded[fc.FullCallID()] = struct{}{}
}

// OnNodeAvailable is called when an engine connection finishes its handshake
// or any other event that may unblock the queue.
func (d *Dispatcher) OnNodeAvailable(nodeID uint16) {
	d.logger.Debug("node available", "node_id", nodeID)
	d.drainPending()
}

// OnEngineMessage handles one inbound message from an engine link. Only
// completion messages are meaningful here.
func (d *Dispatcher) OnEngineMessage(nodeID uint16, msg protocol.GatewayMessage, payload []byte) {
	if !msg.IsFuncCallComplete() && !msg.IsFuncCallFailed() {
		d.logger.Error("unknown engine message type", "type", msg.MessageType.String(), "node_id", nodeID)
		return
	}
	fc := msg.FuncCall()
	d.nodes.Finished(fc, nodeID)
	full := fc.FullCallID()

	asyncCall := false
	var parent ClientConn
	var fctx *FuncCallContext

	d.table.mu.Lock()
	state, ok := d.table.running[full]
	if !ok {
		d.table.mu.Unlock()
		// Late or duplicate replies are benign.
		d.logger.Error("cannot find running func call", "func_call", fc.String())
		return
	}
	if state.connectionID == connNone {
		asyncCall = true
	}
	_, discarded := d.table.discarded[full]
	if !asyncCall && !discarded {
		if conn, live := d.table.connections[state.connectionID]; live {
			parent = conn
			fctx = state.ctx
		}
	}
	if discarded {
		delete(d.table.discarded, full)
	}
	now := monotonicMicros()
	d.stats.SampleDispatchOverhead(now - state.dispatchTimestamp - int64(msg.ProcessingTime))
	if asyncCall && msg.IsFuncCallComplete() {
		d.stats.SampleEnd2EndDelay(fc.FuncID, now-state.recvTimestamp)
	}
	delete(d.table.running, full)
	d.table.mu.Unlock()

	if asyncCall {
		if msg.IsFuncCallFailed() {
			name := "<unknown>"
			if entry, found := d.funcConfig.FindByID(fc.FuncID); found {
				name = entry.FuncName
			}
			d.logger.Warn("async call failed", "func_name", name, "func_call", fc.String())
		}
	} else if fctx != nil {
		if msg.IsFuncCallComplete() {
			fctx.Status = StatusSuccess
			fctx.AppendOutput(payload)
		} else {
			fctx.Status = StatusFailed
		}
		parent.OnFuncCallFinished(fctx)
	}

	d.drainPending()
}

// drainPending dispatches queued calls in FIFO order while nodes are
// pickable. The loop is bounded by the queue length sampled on entry so
// concurrent arrivals cannot extend one drain indefinitely.
func (d *Dispatcher) drainPending() {
	d.table.mu.Lock()
	budget := len(d.table.pending)
	for budget > 0 && len(d.table.pending) > 0 {
		budget--
		state := d.table.pending[0]
		d.table.pending = d.table.pending[1:]
		fc := state.funcCall
		full := fc.FullCallID()
		if _, discarded := d.table.discarded[full]; discarded {
			delete(d.table.discarded, full)
			continue
		}
		asyncCall := state.connectionID == connNone
		var parent ClientConn
		if !asyncCall {
			var live bool
			parent, live = d.table.connections[state.connectionID]
			if !live {
				// Client went away without a discard reaching us first.
				continue
			}
		}
		d.table.mu.Unlock()

		nodeID, nodePicked := d.nodes.Pick(fc)
		dispatched := false
		if nodePicked {
			if asyncCall {
				dispatched = d.dispatchAsync(fc, state.ownedInput, nodeID)
			} else {
				dispatched = d.dispatchSync(parent, state.ctx, nodeID)
			}
		}

		d.table.mu.Lock()
		if !nodePicked {
			d.table.pending = append([]*callState{state}, d.table.pending...)
			break
		}
		state.dispatchTimestamp = monotonicMicros()
		d.stats.SampleQueueingDelay(state.dispatchTimestamp - state.recvTimestamp)
		if dispatched {
			d.table.running[full] = state
			d.stats.SampleRunning(len(d.table.running))
		}
	}
	d.table.mu.Unlock()
}

// PendingCount reports the current queue depth.
func (d *Dispatcher) PendingCount() int {
	d.table.mu.Lock()
	defer d.table.mu.Unlock()
	return len(d.table.pending)
}

// RunningCount reports how many calls are dispatched and awaiting replies.
func (d *Dispatcher) RunningCount() int {
	d.table.mu.Lock()
	defer d.table.mu.Unlock()
	return len(d.table.running)
}
