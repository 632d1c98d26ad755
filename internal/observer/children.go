package observer

import (
	"sync"

	"github.com/OCAP2/mapsync/internal/queue"
	"github.com/OCAP2/mapsync/pkg/core"
)

// Children is an in-memory declared collection and a ChangeSource for it.
// Nodes are identified by NodeID; a node appears at most once.
//
// Every mutation method produces at most one batch per subscriber. Batches
// are delivered after the collection lock is released, so subscribers may
// mutate the collection from inside their callback.
type Children struct {
	mu     sync.Mutex
	nodes  []core.Node
	subs   map[int]*queue.Serial[Batch]
	nextID int
}

// NewChildren creates a collection holding nodes.
func NewChildren(nodes ...core.Node) *Children {
	c := &Children{subs: make(map[int]*queue.Serial[Batch])}
	tx := c.begin()
	tx.Append(nodes...)
	c.nodes = tx.nodes
	return c
}

// Observe implements ChangeSource.
func (c *Children) Observe(fn func(Batch)) (stop func()) {
	sub := queue.NewSerial(fn)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	initial := make([]core.Node, len(c.nodes))
	copy(initial, c.nodes)
	sub.Enqueue(Batch{Added: initial})
	c.mu.Unlock()

	sub.Drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			sub.Close()
		})
	}
}

// Nodes returns the declared nodes in order.
func (c *Children) Nodes() []core.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Len returns the number of declared nodes.
func (c *Children) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Append adds nodes at the end. A node already present is moved.
func (c *Children) Append(nodes ...core.Node) {
	c.Update(func(tx *Tx) { tx.Append(nodes...) })
}

// Insert adds nodes before position index (clamped to the collection).
func (c *Children) Insert(index int, nodes ...core.Node) {
	c.Update(func(tx *Tx) { tx.Insert(index, nodes...) })
}

// Remove drops nodes. Absent nodes are ignored.
func (c *Children) Remove(nodes ...core.Node) {
	c.Update(func(tx *Tx) { tx.Remove(nodes...) })
}

// Replace swaps the whole collection. Nodes kept across the swap are not
// reported.
func (c *Children) Replace(nodes ...core.Node) {
	c.Update(func(tx *Tx) { tx.Replace(nodes...) })
}

// Update applies several mutations as a single batch.
func (c *Children) Update(fn func(tx *Tx)) {
	c.mu.Lock()
	tx := c.begin()
	fn(tx)
	b := tx.batch()
	c.nodes = tx.nodes

	if b.Empty() {
		c.mu.Unlock()
		return
	}
	subs := make([]*queue.Serial[Batch], 0, len(c.subs))
	for id := 0; id < c.nextID; id++ {
		if sub, ok := c.subs[id]; ok {
			sub.Enqueue(b)
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Drain()
	}
}

func (c *Children) begin() *Tx {
	orig := make([]core.Node, len(c.nodes))
	copy(orig, c.nodes)
	nodes := make([]core.Node, len(c.nodes))
	copy(nodes, c.nodes)
	return &Tx{
		orig:    orig,
		nodes:   nodes,
		touched: make(map[core.NodeID]bool),
	}
}

// Tx is a set of mutations applied together by Children.Update.
type Tx struct {
	orig    []core.Node
	nodes   []core.Node
	touched map[core.NodeID]bool
}

// Nodes returns the collection as mutated so far.
func (tx *Tx) Nodes() []core.Node {
	out := make([]core.Node, len(tx.nodes))
	copy(out, tx.nodes)
	return out
}

// Append adds nodes at the end. A node already present is moved.
func (tx *Tx) Append(nodes ...core.Node) {
	tx.Insert(len(tx.nodes), nodes...)
}

// Insert adds nodes before position index. A node already present is moved.
func (tx *Tx) Insert(index int, nodes ...core.Node) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if i := tx.indexOf(n.NodeID()); i >= 0 {
			tx.detach(i)
			if i < index {
				index--
			}
		}
		if index < 0 {
			index = 0
		}
		if index > len(tx.nodes) {
			index = len(tx.nodes)
		}
		tx.nodes = append(tx.nodes, nil)
		copy(tx.nodes[index+1:], tx.nodes[index:])
		tx.nodes[index] = n
		index++
	}
}

// Remove drops nodes. Absent nodes are ignored.
func (tx *Tx) Remove(nodes ...core.Node) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if i := tx.indexOf(n.NodeID()); i >= 0 {
			tx.detach(i)
		}
	}
}

// Replace swaps the whole collection. Nodes present before and after are
// kept as they are.
func (tx *Tx) Replace(nodes ...core.Node) {
	keep := make(map[core.NodeID]bool, len(nodes))
	for _, n := range nodes {
		if n != nil {
			keep[n.NodeID()] = true
		}
	}
	for i := len(tx.nodes) - 1; i >= 0; i-- {
		if !keep[tx.nodes[i].NodeID()] {
			tx.detach(i)
		}
	}

	next := make([]core.Node, 0, len(nodes))
	seen := make(map[core.NodeID]bool, len(nodes))
	for _, n := range nodes {
		if n == nil || seen[n.NodeID()] {
			continue
		}
		seen[n.NodeID()] = true
		next = append(next, n)
	}
	tx.nodes = next
}

func (tx *Tx) indexOf(id core.NodeID) int {
	for i, n := range tx.nodes {
		if n.NodeID() == id {
			return i
		}
	}
	return -1
}

// detach removes the node at i, remembering that it left the collection.
func (tx *Tx) detach(i int) {
	tx.touched[tx.nodes[i].NodeID()] = true
	tx.nodes = append(tx.nodes[:i], tx.nodes[i+1:]...)
}

// batch diffs the original and final collections. Original nodes that were
// detached and put back are reported as removed and added again.
func (tx *Tx) batch() Batch {
	final := make(map[core.NodeID]bool, len(tx.nodes))
	for _, n := range tx.nodes {
		final[n.NodeID()] = true
	}
	before := make(map[core.NodeID]bool, len(tx.orig))

	var b Batch
	for _, n := range tx.orig {
		id := n.NodeID()
		before[id] = true
		if !final[id] || tx.touched[id] {
			b.Removed = append(b.Removed, n)
		}
	}
	for _, n := range tx.nodes {
		id := n.NodeID()
		if !before[id] || tx.touched[id] {
			b.Added = append(b.Added, n)
		}
	}
	return b
}
