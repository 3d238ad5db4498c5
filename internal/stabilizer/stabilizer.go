// Package stabilizer implements the periodic maintenance task:
// stabilize_ring, fix_fingers, fix_successors, ping_successor,
// heal_partition, and the self-ping that lets the handler loop yield
// the shared lock on contended systems.
package stabilizer

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viyer28/halo/internal/dht"
	"github.com/viyer28/halo/internal/message"
	"github.com/viyer28/halo/internal/ring"
)

// FailureThreshold is the number of consecutive missed pongs tolerated
// before a successor is declared dead.
const FailureThreshold = 2

// Interval is the tick period between stabilization rounds.
const Interval = 1000 * time.Millisecond

// Sender delivers one outbound frame to the broker, blocking until the
// broker's acknowledgement is received. Mirrors
// internal/handler.Sender; kept as its own type so this package does
// not import internal/handler.
type Sender interface {
	Send(ctx context.Context, dest string, m message.Message) error
}

// Stabilizer runs the periodic tick against one node's state.
type Stabilizer struct {
	state *dht.NodeState
	sender Sender
	log *zap.SugaredLogger
	rng *rand.Rand
}

// New constructs a Stabilizer. seed should vary per node so that
// simultaneously-started nodes don't pick identical fix_fingers /
// fix_successors indices every tick.
func New(state *dht.NodeState, sender Sender, log *zap.SugaredLogger, seed int64) *Stabilizer {
	return &Stabilizer{
		state: state,
		sender: sender,
		log: log,
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (s *Stabilizer) send(ctx context.Context, dest string, m message.Message) {
	if err := s.sender.Send(ctx, dest, m); err != nil {
		s.log.Errorw("stabilizer send failed", "dest", dest, "type", m.Type, "err", err)
	}
}

// Run ticks every Interval until ctx is cancelled.
func (s *Stabilizer) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one read phase followed by one write phase.
func (s *Stabilizer) Tick(ctx context.Context) {
	s.readPhase(ctx)
	s.writePhase(ctx)
}

// readPhase runs stabilize_ring, ping_self, and heal_partition as one
// span held under the shared lock, so a concurrent Handle dispatch
// (which takes the exclusive lock) waits until the phase ends.
func (s *Stabilizer) readPhase(ctx context.Context) {
	s.state.RLock()
	defer s.state.RUnlock()

	self := s.state.Self()
	succ := s.state.Successor()
	failed := s.state.LastFailedSuccessor()

	if succ.Name != self.Name {
		s.send(ctx, succ.Name, message.Message{
			Type: message.TypeGetPred,
			Source: self.Name,
		})
	}

	s.send(ctx, self.Name, message.Message{
		Type: message.TypePingSelf,
		Destination: self.Name,
	})

	if failed != nil {
		s.send(ctx, failed.Node.Name, message.Message{
			Type: message.TypeRejoin,
			Source: self.Name,
			Destination: failed.Node.Name,
		})
	}
}

// writePhase runs fix_fingers, fix_successors, ping_successor as one
// span held under the exclusive lock.
func (s *Stabilizer) writePhase(ctx context.Context) {
	s.state.Lock()
	defer s.state.Unlock()

	s.fixFingers(ctx)
	s.fixSuccessors(ctx)
	s.pingSuccessor(ctx)
}

// fixFingers implements fix_fingers: pick a uniform random finger index
// in [1, M), record a FixFinger query under that finger's start, and
// issue find_successor from this node: a findSuccResponse to self when
// our successor owns start, otherwise a findSucc forwarded to the
// closest preceding finger. Called with writePhase's exclusive lock
// held.
func (s *Stabilizer) fixFingers(ctx context.Context) {
	if ring.M <= 1 {
		return
	}
	i := 1 + s.rng.Intn(ring.M-1)

	self := s.state.Self()
	fingers := s.state.FingerTable()
	start := fingers[i].Start

	nonce := s.record(start, dht.QueryKind{Tag: dht.QueryFixFinger, FingerIndex: i})
	s.dispatchFindSuccessor(ctx, self, start, nonce, nil)
}

// fixSuccessors implements fix_successors, preserving the inherited
// quirk of never drawing the last successor-list slot: the random
// index ranges over [0, len(successorList)-1) when there is more than
// one slot to refresh. Called with writePhase's exclusive lock held.
func (s *Stabilizer) fixSuccessors(ctx context.Context) {
	list := s.state.SuccessorList()
	if len(list) < 2 {
		return
	}
	j := s.rng.Intn(len(list) - 1)

	self := s.state.Self()
	target := ring.ID((int(list[j].Node.ID) + 1) % ring.Size)

	nonce := s.record(target, dht.QueryKind{Tag: dht.QueryFixSuccessor, SuccessorIndex: j + 1})
	s.dispatchFindSuccessor(ctx, self, target, nonce, nil)
}

// pingSuccessor implements ping_successor. A solo node (successor ==
// self) skips it entirely: pinging yourself can never fail, and
// treating "successor is me" as a ping target would otherwise run the
// failure branch below on every tick. Called with writePhase's
// exclusive lock held.
func (s *Stabilizer) pingSuccessor(ctx context.Context) {
	self := s.state.Self()
	succ := s.state.Successor()

	if succ.Name == self.Name {
		return
	}

	if s.state.MissedPings() < FailureThreshold {
		s.state.IncrementMissedPings()
		s.send(ctx, succ.Name, message.Message{
			Type: message.TypePing,
			Source: self.Name,
		})
		return
	}

	newSucc := s.state.SuccessorFailure()
	s.state.ResetMissedPings()
	s.send(ctx, newSucc.Name, message.Message{
		Type: message.TypeNotify,
		Source: self.Name,
		NodeID: message.Int(int(self.ID)),
		Failed: message.Bool(true),
	})
}

// dispatchFindSuccessor mirrors internal/handler's find_successor
// dispatch for locally-originated queries (fix_fingers and
// fix_successors both issue find_successor(q, self, none)). Duplicated
// rather than imported to keep the stabilizer from depending on the
// handler package; both are built on find_predecessor. Called with
// writePhase's exclusive lock held.
func (s *Stabilizer) dispatchFindSuccessor(ctx context.Context, src dht.NodeRef, id ring.ID, nonce string, clientID *int) {
	self := s.state.Self()
	isSelf, node := s.state.FindPredecessor(id)
	if isSelf {
		owner := s.state.Successor()
		s.send(ctx, src.Name, message.Message{
			Type: message.TypeFindSuccResponse,
			Source: self.Name,
			NodeName: message.Str(owner.Name),
			NodeID: message.Int(int(owner.ID)),
			QueryID: message.Int(int(id)),
			Nonce: message.Str(nonce),
			ID: clientID,
		})
		return
	}
	s.send(ctx, node.Name, message.Message{
		Type: message.TypeFindSucc,
		Source: src.Name,
		QueryID: message.Int(int(id)),
		Nonce: message.Str(nonce),
		ID: clientID,
	})
}

func (s *Stabilizer) record(id ring.ID, kind dht.QueryKind) string {
	nonce := uuid.NewString()
	s.state.RecordQuery(dht.QueryKey{ID: id, Nonce: nonce}, kind)
	return nonce
}
