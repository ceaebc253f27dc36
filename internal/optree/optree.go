// Package optree maintains the hierarchical operation tree exposed to live
// viewers: session → turn → op nodes with explicit parent links and explicit
// begin/end calls. There is deliberately no ambient "current node" state; the
// extractor's sub-sessions attach as children of the node that requested them.
package optree

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeKind classifies a tree node.
type NodeKind string

const (
	// KindSession is a (sub-)session node.
	KindSession NodeKind = "session"

	// KindTurn is one conversational turn within a session.
	KindTurn NodeKind = "turn"

	// KindOp is one operation (tool call or LLM call) within a turn.
	KindOp NodeKind = "op"
)

// Status is a node's lifecycle state.
type Status string

const (
	// StatusRunning means the node is open.
	StatusRunning Status = "running"

	// StatusOK means the node closed successfully.
	StatusOK Status = "ok"

	// StatusFailed means the node closed with a failure.
	StatusFailed Status = "failed"
)

// NodeID is an opaque handle to a tree node.
type NodeID string

// Summary is a truncation-aware request or response preview attached to a node.
type Summary struct {
	Preview   string `json:"preview"`
	SizeBytes int    `json:"size_bytes"`
	Truncated bool   `json:"truncated"`
}

// Node is one entry in the operation tree. Snapshot copies are safe to retain;
// live nodes are owned by the tree and mutated only through its methods.
type Node struct {
	ID       NodeID   `json:"id"`
	Kind     NodeKind `json:"kind"`
	ParentID NodeID   `json:"parent_id,omitempty"`
	Label    string   `json:"label"`
	Status   Status   `json:"status"`

	// Placeholder marks a child attached before its real content exists, so
	// live viewers see a pending sub-session immediately.
	Placeholder bool `json:"placeholder,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Latency   time.Duration `json:"latency,omitempty"`

	Request    *Summary `json:"request,omitempty"`
	Response   *Summary `json:"response,omitempty"`
	OutputSize int      `json:"output_size,omitempty"`

	Children []*Node `json:"children,omitempty"`
}

// Tree is a thread-safe operation tree.
type Tree struct {
	mu    sync.Mutex
	nodes map[NodeID]*Node
	roots []*Node
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{nodes: make(map[NodeID]*Node)}
}

// Begin opens a node under parent. An empty parent creates a root node.
// Unknown parents fall back to root attachment rather than failing, since a
// viewer with a dangling subtree beats a lost one.
func (t *Tree) Begin(parent NodeID, kind NodeKind, label string) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.begin(parent, kind, label, false)
}

// BeginWithPlaceholder opens a session-kind node and immediately attaches a
// placeholder child, so the pending sub-session is visible before it finishes.
func (t *Tree) BeginWithPlaceholder(parent NodeID, label string) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.begin(parent, KindSession, label, false)
	t.begin(id, KindOp, "pending", true)
	return id
}

func (t *Tree) begin(parent NodeID, kind NodeKind, label string, placeholder bool) NodeID {
	n := &Node{
		ID:          NodeID(uuid.NewString()),
		Kind:        kind,
		ParentID:    parent,
		Label:       label,
		Status:      StatusRunning,
		Placeholder: placeholder,
		StartedAt:   time.Now(),
	}
	t.nodes[n.ID] = n
	if p, ok := t.nodes[parent]; ok {
		p.Children = append(p.Children, n)
	} else {
		n.ParentID = ""
		t.roots = append(t.roots, n)
	}
	return n.ID
}

// SetRequest attaches a request preview to an open node.
func (t *Tree) SetRequest(id NodeID, s Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.Request = &s
	}
}

// SetResponse attaches a response preview to an open node.
func (t *Tree) SetResponse(id NodeID, s Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.Response = &s
	}
}

// End closes a node exactly once with the given status and output size.
// Closing an already-closed or unknown node is a no-op. Closing a node with a
// placeholder child removes the placeholder.
func (t *Tree) End(id NodeID, status Status, outputSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || n.Status != StatusRunning {
		return
	}
	n.Status = status
	n.EndedAt = time.Now()
	n.Latency = n.EndedAt.Sub(n.StartedAt)
	n.OutputSize = outputSize

	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.Placeholder {
			delete(t.nodes, c.ID)
			continue
		}
		kept = append(kept, c)
	}
	n.Children = kept
}

// Status returns the current status of a node, or "" for unknown nodes.
func (t *Tree) Status(id NodeID) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		return n.Status
	}
	return ""
}

// Snapshot returns a deep copy of the tree's roots for external consumers.
func (t *Tree) Snapshot() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(t.roots))
	for _, r := range t.roots {
		out = append(out, copyNode(r))
	}
	return out
}

func copyNode(n *Node) *Node {
	c := *n
	if n.Request != nil {
		req := *n.Request
		c.Request = &req
	}
	if n.Response != nil {
		resp := *n.Response
		c.Response = &resp
	}
	c.Children = make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		c.Children = append(c.Children, copyNode(child))
	}
	return &c
}

// MakeSummary builds a Summary from content, truncating the preview to max
// bytes on a rune boundary.
func MakeSummary(content string, max int) Summary {
	s := Summary{Preview: content, SizeBytes: len(content)}
	if len(content) > max {
		cut := max
		for cut > 0 && !isRuneStart(content[cut]) {
			cut--
		}
		s.Preview = content[:cut]
		s.Truncated = true
	}
	return s
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
