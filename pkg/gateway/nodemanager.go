package gateway

import (
	"log/slog"
	"sync"

	"github.com/dispatchd/faasgate/pkg/protocol"
)

// NodeManager tracks engine-node liveness and load. Pick reserves capacity
// on a node; every successful Pick must be balanced by exactly one Finished,
// whatever the outcome of the call.
type NodeManager interface {
	RegisterLink(link *EngineLink)
	UnregisterLink(nodeID, connID uint16)
	Pick(fc protocol.FuncCall) (uint16, bool)
	Finished(fc protocol.FuncCall, nodeID uint16)
	SendMessage(nodeID uint16, msg protocol.GatewayMessage, payload []byte) bool
}

// NewNodeManager builds a node manager for the given policy. Unknown
// policies return nil.
func NewNodeManager(policy string, maxPerFunc int, logger *slog.Logger) NodeManager {
	switch policy {
	case "balanced":
		return newDefaultNodeManager(maxPerFunc, false, logger)
	case "round_robin":
		return newDefaultNodeManager(maxPerFunc, true, logger)
	default:
		return nil
	}
}

type engineNode struct {
	id       uint16
	links    []*EngineLink
	nextLink int

	inflight int
	// per-function reservations, capped at maxPerFunc.
	perFunc map[uint16]int
}

// defaultNodeManager balances new calls across registered nodes with a
// per-function capacity cap. The balanced policy picks the least-loaded
// qualifying node, breaking ties in rotation order; the round-robin policy
// takes the first qualifying node after the last picked one.
type defaultNodeManager struct {
	mu         sync.Mutex
	nodes      map[uint16]*engineNode
	order      []uint16
	next       int
	maxPerFunc int
	strictRR   bool
	logger     *slog.Logger
}

func newDefaultNodeManager(maxPerFunc int, strictRR bool, logger *slog.Logger) *defaultNodeManager {
	return &defaultNodeManager{
		nodes:      make(map[uint16]*engineNode),
		maxPerFunc: maxPerFunc,
		strictRR:   strictRR,
		logger:     logger.With("component", "node_manager"),
	}
}

// RegisterLink adds an engine connection. The first link for a node id
// registers the node; further links are rotated over by SendMessage.
func (m *defaultNodeManager) RegisterLink(link *EngineLink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[link.NodeID()]
	if !ok {
		node = &engineNode{id: link.NodeID(), perFunc: make(map[uint16]int)}
		m.nodes[link.NodeID()] = node
		m.order = append(m.order, link.NodeID())
	}
	for _, existing := range node.links {
		if existing.ConnID() == link.ConnID() {
			return
		}
	}
	node.links = append(node.links, link)
	m.logger.Info("registered engine link", "node_id", link.NodeID(), "conn_id", link.ConnID(), "links", len(node.links))
}

// UnregisterLink removes an engine connection. When a node loses its last
// link the node itself is retired; calls still attributed to it are left to
// the engine's failure messages rather than proactively reassigned.
func (m *defaultNodeManager) UnregisterLink(nodeID, connID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	for i, link := range node.links {
		if link.ConnID() == connID {
			node.links = append(node.links[:i], node.links[i+1:]...)
			break
		}
	}
	if len(node.links) > 0 {
		return
	}
	if node.inflight > 0 {
		m.logger.Warn("retiring node with calls in flight", "node_id", nodeID, "inflight", node.inflight)
	}
	delete(m.nodes, nodeID)
	for i, id := range m.order {
		if id == nodeID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if len(m.order) > 0 {
		m.next %= len(m.order)
	} else {
		m.next = 0
	}
	m.logger.Warn("engine node retired", "node_id", nodeID)
}

func (m *defaultNodeManager) qualifies(node *engineNode, funcID uint16) bool {
	return len(node.links) > 0 && node.perFunc[funcID] < m.maxPerFunc
}

// Pick reserves a node for the call, or reports that no node qualifies.
func (m *defaultNodeManager) Pick(fc protocol.FuncCall) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return 0, false
	}

	var chosen *engineNode
	for i := 0; i < len(m.order); i++ {
		node := m.nodes[m.order[(m.next+i)%len(m.order)]]
		if !m.qualifies(node, fc.FuncID) {
			continue
		}
		if m.strictRR {
			chosen = node
			m.next = (m.next + i + 1) % len(m.order)
			break
		}
		if chosen == nil || node.inflight < chosen.inflight {
			chosen = node
		}
	}
	if chosen == nil {
		return 0, false
	}
	if !m.strictRR {
		m.next = (m.next + 1) % len(m.order)
	}
	chosen.inflight++
	chosen.perFunc[fc.FuncID]++
	return chosen.id, true
}

// Finished releases the reservation taken by Pick.
func (m *defaultNodeManager) Finished(fc protocol.FuncCall, nodeID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		// Node already retired; its counters went with it.
		return
	}
	if node.inflight == 0 || node.perFunc[fc.FuncID] == 0 {
		m.logger.Error("unbalanced finish", "node_id", nodeID, "func_call", fc.String())
		return
	}
	node.inflight--
	if node.perFunc[fc.FuncID]--; node.perFunc[fc.FuncID] == 0 {
		delete(node.perFunc, fc.FuncID)
	}
}

// SendMessage frames the envelope onto one of the node's links, rotating
// across links. Returns false on link failure or unknown node.
func (m *defaultNodeManager) SendMessage(nodeID uint16, msg protocol.GatewayMessage, payload []byte) bool {
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	if !ok || len(node.links) == 0 {
		m.mu.Unlock()
		return false
	}
	link := node.links[node.nextLink%len(node.links)]
	node.nextLink++
	m.mu.Unlock()

	if err := link.Send(msg, payload); err != nil {
		m.logger.Error("engine send failed", "node_id", nodeID, "conn_id", link.ConnID(), "error", err)
		return false
	}
	return true
}
