package dht

import (
	"testing"

	"github.com/viyer28/halo/internal/ring"
)

func newTestState(id ring.ID, name string) *NodeState {
	s := New(name, 3)
	// Overwrite the hashed id with a controlled one for deterministic tests.
	s.mu.Lock()
	s.self.ID = id
	for i := range s.fingerTable {
		s.fingerTable[i].Start = ring.ID((int(id) + (1 << i)) % ring.Size)
		s.fingerTable[i].Node = s.self
	}
	for i := range s.successorList {
		s.successorList[i].Node = s.self
	}
	s.mu.Unlock()
	return s
}

func TestFindPredecessorSelfWhenSuccessorOwnsID(t *testing.T) {
	s := newTestState(10, "a")
	succ := NodeRef{ID: 20, Name: "b"}
	s.SetFinger(0, succ)

	isSelf, node := s.FindPredecessor(15)
	if !isSelf {
		t.Fatalf("expected isSelf, got forward to %+v", node)
	}
}

func TestFindPredecessorDelegatesOutsideRange(t *testing.T) {
	s := newTestState(10, "a")
	succ := NodeRef{ID: 20, Name: "b"}
	s.SetFinger(0, succ)

	isSelf, node := s.FindPredecessor(100)
	if isSelf {
		t.Fatal("expected delegation, got isSelf")
	}
	if node.ID != 20 {
		t.Fatalf("expected closest preceding finger, got %+v", node)
	}
}

func TestClosestPrecedingFingerFallsBackToSelf(t *testing.T) {
	s := newTestState(10, "a")
	node := s.ClosestPrecedingFinger(11)
	if node.ID != 10 {
		t.Fatalf("expected self fallback, got %+v", node)
	}
}

func TestStabilizeSuccessorAdoptsCloserPredecessor(t *testing.T) {
	s := newTestState(10, "a")
	s.SetFinger(0, NodeRef{ID: 50, Name: "c"})

	s.StabilizeSuccessor(30, "b")

	if s.Successor().ID != 30 {
		t.Fatalf("expected successor updated to 30, got %d", s.Successor().ID)
	}
}

func TestStabilizeSuccessorIgnoresOutOfRange(t *testing.T) {
	s := newTestState(10, "a")
	s.SetFinger(0, NodeRef{ID: 50, Name: "c"})

	s.StabilizeSuccessor(80, "z")

	if s.Successor().ID != 50 {
		t.Fatalf("expected successor unchanged, got %d", s.Successor().ID)
	}
}

func TestStabilizePredecessorSetsFirstPredecessor(t *testing.T) {
	s := newTestState(10, "a")
	directive := s.StabilizePredecessor(5, "p", false)

	if directive.Action != TransferGet {
		t.Fatalf("expected TransferGet, got %v", directive.Action)
	}
	if s.Predecessor().ID != 5 {
		t.Fatalf("expected predecessor set, got %+v", s.Predecessor())
	}
}

func TestStabilizePredecessorFailedFlagReclaimsAndDuplicates(t *testing.T) {
	s := newTestState(10, "a")
	s.SetPredecessor(NodeRef{ID: 5, Name: "p"})
	s.ReplaceReplica(5, []string{"k"}, []string{"v"})

	directive := s.StabilizePredecessor(7, "q", true)

	if directive.Action != TransferDuplicate {
		t.Fatalf("expected TransferDuplicate, got %v", directive.Action)
	}
	if s.Predecessor().ID != 7 {
		t.Fatalf("expected predecessor replaced, got %+v", s.Predecessor())
	}
	if v, ok := s.Get("k"); !ok || v != "v" {
		t.Fatalf("expected replica of old predecessor reclaimed, got %q, %v", v, ok)
	}
}

func TestStabilizePredecessorAcceptsCloserNotifier(t *testing.T) {
	s := newTestState(10, "a")
	s.SetPredecessor(NodeRef{ID: 2, Name: "p"})

	directive := s.StabilizePredecessor(6, "q", false)

	if directive.Action != TransferSend {
		t.Fatalf("expected TransferSend, got %v", directive.Action)
	}
	if directive.Min != 2 || directive.Max != 6 {
		t.Fatalf("expected range (2,6], got (%d,%d]", directive.Min, directive.Max)
	}
}

func TestStabilizePredecessorRejectsFartherNotifier(t *testing.T) {
	s := newTestState(10, "a")
	s.SetPredecessor(NodeRef{ID: 8, Name: "p"})

	directive := s.StabilizePredecessor(2, "q", false)

	if directive.Action != TransferNothing {
		t.Fatalf("expected TransferNothing, got %v", directive.Action)
	}
	if s.Predecessor().ID != 8 {
		t.Fatal("predecessor should be unchanged")
	}
}

func TestSuccessorFailureRotatesList(t *testing.T) {
	s := New("a", 3)
	s.mu.Lock()
	s.self.ID = 10
	s.successorList = []SuccessorEntry{
		{Node: NodeRef{ID: 20, Name: "b"}},
		{Node: NodeRef{ID: 30, Name: "c"}},
	}
	s.mu.Unlock()

	newSucc := s.SuccessorFailure()

	if newSucc.ID != 30 {
		t.Fatalf("expected new successor 30, got %d", newSucc.ID)
	}
	if s.LastFailedSuccessor() == nil || s.LastFailedSuccessor().Node.ID != 20 {
		t.Fatal("expected last failed successor remembered as 20")
	}
	list := s.SuccessorList()
	if len(list) != 2 || list[1].Node.Name != "a" {
		t.Fatalf("expected tail to be self, got %+v", list)
	}
}

func TestFixSuccessorReportsDuplicateOnChange(t *testing.T) {
	s := newTestState(10, "a")
	changed := s.FixSuccessor(1, NodeRef{ID: 99, Name: "z"})
	if !changed {
		t.Fatal("expected duplicate signal on name change")
	}

	changed = s.FixSuccessor(1, NodeRef{ID: 99, Name: "z"})
	if changed {
		t.Fatal("expected no duplicate signal when unchanged")
	}
}

func TestFixSuccessorNeverSignalsForSelf(t *testing.T) {
	s := newTestState(10, "a")
	changed := s.FixSuccessor(1, NodeRef{ID: 10, Name: "a"})
	if changed {
		t.Fatal("must not signal duplicate when new entry is self")
	}
}

func TestTransferKVsRangeExtractsMatchingKeys(t *testing.T) {
	s := newTestState(10, "a")
	s.Put("apple", "red")
	appleID := ring.Hash("apple")

	keys, values := s.TransferKVsRange(appleID-1, appleID)
	if len(keys) != 1 || keys[0] != "apple" || values[0] != "red" {
		t.Fatalf("expected apple extracted, got %v %v", keys, values)
	}
	if _, ok := s.Get("apple"); ok {
		t.Fatal("expected apple removed from primary store")
	}
}

func TestTauGrowsLogarithmically(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{7, 3},
		{8, 4},
	}
	for _, c := range cases {
		if got := Tau(c.n); got != c.want {
			t.Errorf("Tau(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}
