package handler

import (
	"sync"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/relaycustody/relay"
)

// MinedCredit is what the chain knows about a mined credit message a
// relay joins with.
type MinedCredit struct {
	PublicKey   kyber.Point
	BatchNumber uint64
}

// Chain is the mined credit chain of the node.
type Chain interface {
	InMainChain(h relay.Hash) bool
	LatestBatchNumber() uint64
	MinedCredit(h relay.Hash) (MinedCredit, bool)
	// EncodeInChain queues the message for the next block.
	EncodeInChain(h relay.Hash)
}

// Broadcaster sends messages to the other nodes.
type Broadcaster interface {
	Broadcast(msg relay.Message)
}

// MemoryChain is a Chain without consensus: every mined credit it knows
// is in the main chain.
type MemoryChain struct {
	sync.Mutex
	credits map[relay.Hash]MinedCredit
	batch   uint64
	encoded []relay.Hash
}

// NewMemoryChain returns an empty chain.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{credits: make(map[relay.Hash]MinedCredit)}
}

// AddMinedCredit adds a mined credit message in a new batch.
func (c *MemoryChain) AddMinedCredit(h relay.Hash, pub kyber.Point) {
	c.Lock()
	defer c.Unlock()
	c.batch++
	c.credits[h] = MinedCredit{PublicKey: pub, BatchNumber: c.batch}
}

// InMainChain implements Chain.
func (c *MemoryChain) InMainChain(h relay.Hash) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.credits[h]
	return ok
}

// LatestBatchNumber implements Chain.
func (c *MemoryChain) LatestBatchNumber() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.batch
}

// MinedCredit implements Chain.
func (c *MemoryChain) MinedCredit(h relay.Hash) (MinedCredit, bool) {
	c.Lock()
	defer c.Unlock()
	mc, ok := c.credits[h]
	return mc, ok
}

// EncodeInChain implements Chain.
func (c *MemoryChain) EncodeInChain(h relay.Hash) {
	c.Lock()
	defer c.Unlock()
	c.encoded = append(c.encoded, h)
}

// Encoded returns the hashes passed to EncodeInChain, in order.
func (c *MemoryChain) Encoded() []relay.Hash {
	c.Lock()
	defer c.Unlock()
	return append([]relay.Hash{}, c.encoded...)
}

// BroadcastLog is a Broadcaster that keeps the messages. Other nodes, or
// tests, pick them up from there.
type BroadcastLog struct {
	sync.Mutex
	msgs []relay.Message
}

// Broadcast implements Broadcaster.
func (b *BroadcastLog) Broadcast(msg relay.Message) {
	b.Lock()
	defer b.Unlock()
	b.msgs = append(b.msgs, msg)
}

// Messages returns what was broadcast so far.
func (b *BroadcastLog) Messages() []relay.Message {
	b.Lock()
	defer b.Unlock()
	return append([]relay.Message{}, b.msgs...)
}
