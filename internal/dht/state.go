// Package dht holds the authoritative per-node Chord state and the
// pure operations over it. State mutation is guarded by a single
// read/write lock, but NodeState's accessors do not take it
// themselves: sync.RWMutex isn't reentrant, and a dispatch routine
// (the handler's Handle, the stabilizer's read/write phases) calls
// several accessors in sequence while a concurrent goroutine must be
// kept from observing or mutating state mid-dispatch. Instead the
// lock is exported directly (Lock/Unlock/RLock/RUnlock) and the
// caller holds it across the whole span; every accessor below assumes
// the appropriate lock is already held.
package dht

import (
	"math/bits"
	"sync"

	"github.com/viyer28/halo/internal/ring"
)

// NodeRef identifies a ring member by id and name.
type NodeRef struct {
	ID ring.ID
	Name string
}

// IsZero reports whether r is the zero-value NodeRef, used as the "no
// predecessor yet" sentinel in place of Rust's Option<NodeRef>.
func (r NodeRef) IsZero() bool {
	return r == NodeRef{}
}

// FingerEntry is one row of the finger table: for the 0-based index i,
// start[i] = (self.id + 2^i) mod 2^M.
type FingerEntry struct {
	Start ring.ID
	Node NodeRef
}

// SuccessorEntry is one slot of the successor list.
type SuccessorEntry struct {
	Node NodeRef
	Failed bool
}

// QueryTag discriminates the kind of a pending query.
type QueryTag int

const (
	QueryJoinAck QueryTag = iota
	QueryFixFinger
	QueryGet
	QuerySet
	QueryFixSuccessor
)

// QueryKind records what to do when the matching findSuccResponse
// arrives.
type QueryKind struct {
	Tag QueryTag

	FingerIndex int // QueryFixFinger
	SuccessorIndex int // QueryFixSuccessor

	Key string // QueryGet / QuerySet
	Value string // QuerySet
}

// QueryKey identifies one in-flight findSucc round trip. The ring id
// alone can collide between simultaneous queries landing on the same
// target; Nonce disambiguates them.
type QueryKey struct {
	ID ring.ID
	Nonce string
}

// ReplicaStore mirrors the primary store of some successor's
// predecessor, one such mirror per upstream owner id.
type ReplicaStore map[string]string

// NodeState is the single aggregate guarded by one read/write lock. It
// is the only shared resource between the handler loop and the
// stabilizer.
type NodeState struct {
	mu sync.RWMutex

	self NodeRef

	fingerTable []FingerEntry // length M

	successorList []SuccessorEntry // length TAU; successorList[0].Node == successor
	predecessor NodeRef // zero value means "no predecessor"

	store map[string]string
	replicaStore map[ring.ID]ReplicaStore

	currentQueries map[QueryKey]QueryKind

	lastFailedSuccessor *SuccessorEntry
	missedPings int
}

// Tau computes the successor-list length from the initial peer count
// as ceil(log2(N+1)), with a minimum of 1 (so N=0 gives 1). It is computed once at construction and never
// revisited as the ring grows — see DESIGN.md for the reasoning.
func Tau(initialPeerCount int) int {
	n := initialPeerCount + 1
	if n <= 1 {
		return 1
	}
	bitLen := bits.Len(uint(n - 1))
	if 1<<bitLen < n {
		bitLen++
	}
	if bitLen < 1 {
		bitLen = 1
	}
	return bitLen
}

// New constructs a node's state alone on the ring: its finger table,
// successor, and successor list all point at itself, since every
// finger starts initialized to self before any peer is known.
func New(name string, initialPeerCount int) *NodeState {
	self := NodeRef{ID: ring.Hash(name), Name: name}

	fingers := make([]FingerEntry, ring.M)
	for i := 0; i < ring.M; i++ {
		fingers[i] = FingerEntry{
			Start: ring.ID((int(self.ID) + (1 << i)) % ring.Size),
			Node: self,
		}
	}

	tau := Tau(initialPeerCount)
	successors := make([]SuccessorEntry, tau)
	for i := range successors {
		successors[i] = SuccessorEntry{Node: self, Failed: i != 0}
	}

	return &NodeState{
		self: self,
		fingerTable: fingers,
		successorList: successors,
		store: make(map[string]string),
		replicaStore: make(map[ring.ID]ReplicaStore),
		currentQueries: make(map[QueryKey]QueryKind),
	}
}

// Lock acquires the exclusive lock covering an entire write-dispatch
// span (the handler's Handle, the stabilizer's write phase).
func (n *NodeState) Lock() {
	n.mu.Lock()
}

// Unlock releases the lock taken by Lock.
func (n *NodeState) Unlock() {
	n.mu.Unlock()
}

// RLock acquires the shared lock covering a read-only dispatch span
// (the stabilizer's read phase).
func (n *NodeState) RLock() {
	n.mu.RLock()
}

// RUnlock releases the lock taken by RLock.
func (n *NodeState) RUnlock() {
	n.mu.RUnlock()
}

// Self returns this node's own identity. Caller must hold RLock or Lock.
func (n *NodeState) Self() NodeRef {
	return n.self
}

// Successor returns the current successor, which must equal
// fingerTable[0].Node and successorList[0].Node. Caller must hold
// RLock or Lock.
func (n *NodeState) Successor() NodeRef {
	return n.successorList[0].Node
}

// Predecessor returns the current predecessor, or the zero NodeRef if
// none is set yet. Caller must hold RLock or Lock.
func (n *NodeState) Predecessor() NodeRef {
	return n.predecessor
}

// SetPredecessor overwrites the predecessor pointer directly. Callers
// implementing the stabilize_predecessor protocol should prefer
// StabilizePredecessor; this exists for the joinAck handler, which
// clears the predecessor unconditionally. Caller must hold Lock.
func (n *NodeState) SetPredecessor(ref NodeRef) {
	n.predecessor = ref
}

// FingerTable returns a copy of the finger table. Caller must hold
// RLock or Lock.
func (n *NodeState) FingerTable() []FingerEntry {
	out := make([]FingerEntry, len(n.fingerTable))
	copy(out, n.fingerTable)
	return out
}

// SetFinger overwrites finger table entry i with node, keeping
// fingerTable[0] and the successor list head in sync: successor ==
// fingerTable[0].Node == successorList[0].Node always holds. Caller
// must hold Lock.
func (n *NodeState) SetFinger(i int, node NodeRef) {
	n.fingerTable[i].Node = node
	if i == 0 {
		n.successorList[0] = SuccessorEntry{Node: node, Failed: false}
	}
}

// SuccessorList returns a copy of the successor list. Caller must hold
// RLock or Lock.
func (n *NodeState) SuccessorList() []SuccessorEntry {
	out := make([]SuccessorEntry, len(n.successorList))
	copy(out, n.successorList)
	return out
}

// LastFailedSuccessor returns the remembered dead successor for
// heal_partition, or nil if none is outstanding. Caller must hold
// RLock or Lock.
func (n *NodeState) LastFailedSuccessor() *SuccessorEntry {
	return n.lastFailedSuccessor
}

// ClearLastFailedSuccessor clears the remembered dead successor, called
// when rejoinAck completes a partition heal. Caller must hold Lock.
func (n *NodeState) ClearLastFailedSuccessor() {
	n.lastFailedSuccessor = nil
}

// MissedPings returns the current missed-pong counter. Caller must
// hold RLock or Lock.
func (n *NodeState) MissedPings() int {
	return n.missedPings
}

// ResetMissedPings zeroes the missed-pong counter (on pong receipt, or
// after a successor_failure rotation). Caller must hold Lock.
func (n *NodeState) ResetMissedPings() {
	n.missedPings = 0
}

// IncrementMissedPings increments and returns the missed-pong counter.
// Caller must hold Lock.
func (n *NodeState) IncrementMissedPings() int {
	n.missedPings++
	return n.missedPings
}

// RecordQuery inserts a pending query under key; the caller embeds
// key's nonce in the outbound findSucc frame. Caller must hold Lock.
func (n *NodeState) RecordQuery(key QueryKey, kind QueryKind) {
	n.currentQueries[key] = kind
}

// PopQuery removes and returns the query for key, reporting whether it
// was present. Matches the "at-most-once resolution": a second
// findSuccResponse for the same key (or a response to an unknown
// query) finds nothing and is silently dropped. Caller must hold Lock.
func (n *NodeState) PopQuery(key QueryKey) (QueryKind, bool) {
	kind, ok := n.currentQueries[key]
	if ok {
		delete(n.currentQueries, key)
	}
	return kind, ok
}

// PendingQueryCount reports how many queries are outstanding, used by
// tests checking what a phase left recorded. Caller must hold RLock or
// Lock.
func (n *NodeState) PendingQueryCount() int {
	return len(n.currentQueries)
}

// Get looks up key in the primary store. Caller must hold RLock or Lock.
func (n *NodeState) Get(key string) (string, bool) {
	v, ok := n.store[key]
	return v, ok
}

// Put inserts key/value into the primary store. Caller must hold Lock.
func (n *NodeState) Put(key, value string) {
	n.store[key] = value
}

// StoreSnapshot returns a copy of the entire primary store, used for
// duplicate_to_successors pushes. Caller must hold RLock or Lock.
func (n *NodeState) StoreSnapshot() (keys, values []string) {
	keys = make([]string, 0, len(n.store))
	values = make([]string, 0, len(n.store))
	for k, v := range n.store {
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values
}

// ReplaceReplica overwrites replicaStore[owner] wholesale, used by the
// "duplicate" handler. Caller must hold Lock.
func (n *NodeState) ReplaceReplica(owner ring.ID, keys, values []string) {
	r := make(ReplicaStore, len(keys))
	for i, k := range keys {
		r[k] = values[i]
	}
	n.replicaStore[owner] = r
}

// ReplicaOwners returns the set of owner ids currently mirrored. Caller
// must hold RLock or Lock.
func (n *NodeState) ReplicaOwners() []ring.ID {
	out := make([]ring.ID, 0, len(n.replicaStore))
	for owner := range n.replicaStore {
		out = append(out, owner)
	}
	return out
}
