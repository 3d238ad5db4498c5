package dht

import "github.com/viyer28/halo/internal/ring"

// FindPredecessor implements find_predecessor(id): if id is
// owned by this node's successor, this node is the predecessor;
// otherwise delegate to the closest preceding finger.
//
// Returns (isSelf, node): when isSelf is true, node is this node's own
// ref (the caller should reply with its successor as the owner);
// otherwise node is where the findSucc message should be forwarded.
// Caller must hold RLock or Lock.
func (n *NodeState) FindPredecessor(id ring.ID) (isSelf bool, node NodeRef) {
	self := n.self
	succ := n.successorList[0].Node

	if ring.RightInclusive(id, self.ID, succ.ID) {
		return true, self
	}
	return false, n.ClosestPrecedingFinger(id)
}

// ClosestPrecedingFinger scans the finger table from index M-1 down to
// 0 and returns the first entry whose node id lies strictly between
// self and id; falls back to self if none qualifies. Caller must hold
// RLock or Lock.
func (n *NodeState) ClosestPrecedingFinger(id ring.ID) NodeRef {
	for i := len(n.fingerTable) - 1; i >= 0; i-- {
		candidate := n.fingerTable[i].Node
		if ring.Open(candidate.ID, n.self.ID, id) {
			return candidate
		}
	}
	return n.self
}

// StabilizeSuccessor implements stabilize_successor: if the
// reported predecessor of our successor lies strictly between us and
// our successor, adopt it as the new successor. Caller must hold Lock.
func (n *NodeState) StabilizeSuccessor(predID ring.ID, predName string) {
	succ := n.successorList[0].Node
	if !ring.Open(predID, n.self.ID, succ.ID) {
		return
	}

	newSucc := NodeRef{ID: predID, Name: predName}
	n.fingerTable[0].Node = newSucc
	n.successorList[0] = SuccessorEntry{Node: newSucc, Failed: false}
}

// TransferAction tags what the notify handler must do after
// StabilizePredecessor runs.
type TransferAction int

const (
	TransferNothing TransferAction = iota
	TransferGet // ask the successor for keys in (min,max]
	TransferSend // push keys in (min,max] to a named peer
	TransferDuplicate // push the whole store to all successors
)

// TransferDirective is the return value of StabilizePredecessor.
type TransferDirective struct {
	Action TransferAction
	Min ring.ID
	Max ring.ID
	Peer NodeRef // set only for TransferSend
}

// StabilizePredecessor implements stabilize_predecessor. Caller must
// hold Lock.
func (n *NodeState) StabilizePredecessor(nodeID ring.ID, nodeName string, failedFlag bool) TransferDirective {
	notifier := NodeRef{ID: nodeID, Name: nodeName}

	if n.predecessor.IsZero() {
		n.predecessor = notifier
		return TransferDirective{Action: TransferGet, Min: nodeID, Max: n.self.ID}
	}

	oldPred := n.predecessor

	if failedFlag {
		for owner, replica := range n.replicaStore {
			if !ring.RightInclusive(owner, nodeID, oldPred.ID) {
				continue
			}
			for k, v := range replica {
				n.store[k] = v
			}
		}
		n.predecessor = notifier
		return TransferDirective{Action: TransferDuplicate}
	}

	if ring.Open(nodeID, oldPred.ID, n.self.ID) {
		n.predecessor = notifier
		if notifier != n.self {
			return TransferDirective{Action: TransferSend, Min: oldPred.ID, Max: notifier.ID, Peer: notifier}
		}
	}

	return TransferDirective{Action: TransferNothing}
}

// SuccessorFailure implements successor_failure: mark the
// current successor failed, remember it for heal_partition, rotate the
// successor list left, and append a self-entry at the tail. Caller
// must hold Lock.
func (n *NodeState) SuccessorFailure() (newSuccessor NodeRef) {
	dead := n.successorList[0]
	dead.Failed = true
	n.lastFailedSuccessor = &dead

	n.successorList = append(n.successorList[1:], SuccessorEntry{Node: n.self, Failed: false})
	n.fingerTable[0].Node = n.successorList[0].Node

	return n.successorList[0].Node
}

// FixSuccessor implements fix_successor(i, node): replaces
// successor-list entry i and reports whether the new entry's node
// should be pushed a fresh duplicate of our store: true when the name
// changed or the old entry was failed, and the new node is not self.
// Caller must hold Lock.
func (n *NodeState) FixSuccessor(i int, node NodeRef) (shouldDuplicate bool) {
	old := n.successorList[i]
	changed := old.Node.Name != node.Name || old.Failed
	n.successorList[i] = SuccessorEntry{Node: node, Failed: false}
	if i == 0 {
		n.fingerTable[0].Node = node
	}

	return changed && node != n.self
}

// LiveSuccessors returns every successor-list entry that is not failed
// and not self, used by duplicate_to_successors.
// Caller must hold RLock or Lock.
func (n *NodeState) LiveSuccessors() []NodeRef {
	out := make([]NodeRef, 0, len(n.successorList))
	for _, e := range n.successorList {
		if e.Failed || e.Node == n.self {
			continue
		}
		out = append(out, e.Node)
	}
	return out
}
