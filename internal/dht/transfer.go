package dht

import "github.com/viyer28/halo/internal/ring"

// TransferKVsRange implements transfer_kvs_range: removes
// every entry from the primary store whose hashed key falls in (min,
// max] and returns the extracted pairs in matched order. Caller must
// hold Lock.
func (n *NodeState) TransferKVsRange(min, max ring.ID) (keys, values []string) {
	for k, v := range n.store {
		if ring.RightInclusive(ring.Hash(k), min, max) {
			keys = append(keys, k)
			values = append(values, v)
			delete(n.store, k)
		}
	}
	return keys, values
}

// InsertAll merges keys/values pairs into the primary store, used by
// the transferKeys message handler. Caller must hold Lock.
func (n *NodeState) InsertAll(keys, values []string) {
	for i, k := range keys {
		n.store[k] = values[i]
	}
}
