package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/viyer28/halo/internal/dht"
	"github.com/viyer28/halo/internal/message"
	"github.com/viyer28/halo/internal/ring"
)

// fakeSender records every outbound frame in order, keyed by
// destination, standing in for the broker's REQ socket.
type fakeSender struct {
	mu sync.Mutex
	out []sentFrame
}

type sentFrame struct {
	Dest string
	Msg message.Message
}

func (f *fakeSender) Send(_ context.Context, dest string, m message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sentFrame{Dest: dest, Msg: m})
	return nil
}

func (f *fakeSender) to(dest string) []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Message
	for _, s := range f.out {
		if s.Dest == dest {
			out = append(out, s.Msg)
		}
	}
	return out
}

func (f *fakeSender) ofType(t message.Type) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.out {
		if s.Msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func newHandler(t *testing.T, name string, peers []string) (*Handler, *dht.NodeState, *fakeSender) {
	t.Helper()
	state := dht.New(name, len(peers))
	sender := &fakeSender{}
	log := zap.NewNop().Sugar()
	h := New(state, sender, peers, log, nil)
	return h, state, sender
}

func TestHandleHelloJoinsAllPeers(t *testing.T) {
	h, _, sender := newHandler(t, "alice", []string{"bob", "carol"})

	fired := false
	h.onFirstHello = func() { fired = true }

	h.Handle(context.Background(), message.Message{Type: message.TypeHello})

	require.True(t, fired, "expected onFirstHello to fire on the first hello")
	assert.Len(t, sender.ofType(message.TypeJoin), 2)
	assert.Len(t, sender.ofType(message.TypeHelloResponse), 1)

	// A second hello must not re-fire onFirstHello nor resend
	// helloResponse, but still re-announces to peers (idempotent join).
	h.onFirstHello = func() { t.Fatal("onFirstHello must only fire once") }
	h.Handle(context.Background(), message.Message{Type: message.TypeHello})
	assert.Len(t, sender.ofType(message.TypeHelloResponse), 1)
	assert.Len(t, sender.ofType(message.TypeJoin), 4)
}

func TestHandleSetOnSelfOwnedKeyRoundTrips(t *testing.T) {
	h, state, sender := newHandler(t, "solo", nil)

	h.Handle(context.Background(), message.Message{
		Type: message.TypeSet,
		Source: "client",
		ID: message.Int(1),
		Key: message.Str("apple"),
		Value: message.Str("red"),
	})

	setResp := sender.ofType(message.TypeSetResponse)
	require.Len(t, setResp, 1)
	assert.Equal(t, "client", setResp[0].Dest)

	// solo node's successor is itself, so find_predecessor resolves
	// locally and a findSuccResponse is emitted to self immediately.
	selfName := state.Self().Name
	fsr := sender.ofType(message.TypeFindSuccResponse)
	require.Len(t, fsr, 1)
	assert.Equal(t, selfName, fsr[0].Dest)

	h.Handle(context.Background(), fsr[0].Msg)

	storeMsgs := sender.ofType(message.TypeStore)
	require.Len(t, storeMsgs, 1)
	assert.Equal(t, "apple", *storeMsgs[0].Msg.Key)
	assert.Equal(t, "red", *storeMsgs[0].Msg.Value)

	h.Handle(context.Background(), storeMsgs[0].Msg)

	v, ok := state.Get("apple")
	require.True(t, ok)
	assert.Equal(t, "red", v)
}

func TestHandleGetMissingKeyReturnsError(t *testing.T) {
	h, state, sender := newHandler(t, "solo", nil)
	selfName := state.Self().Name

	h.Handle(context.Background(), message.Message{
		Type: message.TypeGet,
		Source: "client",
		ID: message.Int(7),
		Key: message.Str("missing"),
	})

	fsr := sender.ofType(message.TypeFindSuccResponse)
	require.Len(t, fsr, 1)
	assert.Equal(t, selfName, fsr[0].Dest)
	require.NotNil(t, fsr[0].Msg.ID)
	assert.Equal(t, 7, *fsr[0].Msg.ID)

	h.Handle(context.Background(), fsr[0].Msg)

	retrieveMsgs := sender.ofType(message.TypeRetrieve)
	require.Len(t, retrieveMsgs, 1)

	h.Handle(context.Background(), retrieveMsgs[0].Msg)

	getResp := sender.ofType(message.TypeGetResponse)
	require.Len(t, getResp, 1)
	require.NotNil(t, getResp[0].Msg.Error)
	require.NotNil(t, getResp[0].Msg.ID)
	assert.Equal(t, 7, *getResp[0].Msg.ID)
}

func TestHandleJoinRepliesWithJoinAck(t *testing.T) {
	h, _, sender := newHandler(t, "bob", nil)

	h.Handle(context.Background(), message.Message{
		Type: message.TypeJoin,
		Source: "alice",
		Destination: "bob",
	})

	acks := sender.ofType(message.TypeJoinAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "alice", acks[0].Dest)
	assert.Equal(t, "bob", acks[0].Msg.Source)
}

func TestHandleJoinAckClearsPredecessorAndIssuesFindSucc(t *testing.T) {
	h, state, sender := newHandler(t, "alice", nil)
	state.SetPredecessor(dht.NodeRef{ID: 99, Name: "stale"})

	h.Handle(context.Background(), message.Message{
		Type: message.TypeJoinAck,
		Source: "bob",
	})

	assert.True(t, state.Predecessor().IsZero())

	findSuccs := sender.ofType(message.TypeFindSucc)
	require.Len(t, findSuccs, 1)
	assert.Equal(t, "bob", findSuccs[0].Dest)
	require.NotNil(t, findSuccs[0].Msg.QueryID)
	assert.Equal(t, int(state.Self().ID), *findSuccs[0].Msg.QueryID)
}

func TestHandleFindSuccResponseJoinAckSetsSuccessor(t *testing.T) {
	h, state, sender := newHandler(t, "alice", nil)

	h.Handle(context.Background(), message.Message{Type: message.TypeJoinAck, Source: "bob"})
	findSuccs := sender.ofType(message.TypeFindSucc)
	require.Len(t, findSuccs, 1)
	nonce := findSuccs[0].Msg.Nonce

	h.Handle(context.Background(), message.Message{
		Type: message.TypeFindSuccResponse,
		Source: "bob",
		NodeName: message.Str("carol"),
		NodeID: message.Int(42),
		QueryID: findSuccs[0].Msg.QueryID,
		Nonce: nonce,
	})

	succ := state.Successor()
	assert.Equal(t, "carol", succ.Name)
	assert.Equal(t, ring.ID(42), succ.ID)
}

func TestHandleFindSuccResponseUnknownQueryIsDiscarded(t *testing.T) {
	h, _, sender := newHandler(t, "alice", nil)

	h.Handle(context.Background(), message.Message{
		Type: message.TypeFindSuccResponse,
		Source: "bob",
		NodeName: message.Str("carol"),
		NodeID: message.Int(42),
		QueryID: message.Int(5),
		Nonce: message.Str("never-recorded"),
	})

	assert.Empty(t, sender.out, "an unrecognized query id must not emit anything")
}

func TestHandleGetPredRepliesEmptyWhenNoPredecessor(t *testing.T) {
	h, _, sender := newHandler(t, "alice", nil)

	h.Handle(context.Background(), message.Message{
		Type: message.TypeGetPred,
		Source: "bob",
	})

	resp := sender.ofType(message.TypeGetPredResponse)
	require.Len(t, resp, 1)
	assert.Nil(t, resp[0].Msg.PredID)
	assert.Nil(t, resp[0].Msg.PredName)
}

func TestHandleGetPredResponseStabilizesAndNotifies(t *testing.T) {
	h, state, sender := newHandler(t, "alice", nil)
	state.SetFinger(0, dht.NodeRef{ID: 50, Name: "carol"})

	h.Handle(context.Background(), message.Message{
		Type: message.TypeGetPredResponse,
		Source: "carol",
		PredID: message.Int(30),
		PredName: message.Str("bob"),
	})

	assert.Equal(t, "bob", state.Successor().Name)

	notify := sender.ofType(message.TypeNotify)
	require.Len(t, notify, 1)
	assert.Equal(t, "bob", notify[0].Dest)
	assert.False(t, *notify[0].Msg.Failed)
}

func TestHandleNotifyFirstPredecessorRequestsTransfer(t *testing.T) {
	h, state, sender := newHandler(t, "alice", nil)
	_ = state

	h.Handle(context.Background(), message.Message{
		Type: message.TypeNotify,
		Source: "zack",
		NodeID: message.Int(1),
		Failed: message.Bool(false),
	})

	reqs := sender.ofType(message.TypeTransferRequest)
	require.Len(t, reqs, 1)
}

func TestHandleStoreTriggersDuplicateToLiveSuccessors(t *testing.T) {
	h, state, sender := newHandler(t, "alice", nil)
	state.SetFinger(0, dht.NodeRef{ID: 77, Name: "bob"})
	state.FixSuccessor(0, dht.NodeRef{ID: 77, Name: "bob"})

	h.Handle(context.Background(), message.Message{
		Type: message.TypeStore,
		Key: message.Str("k"),
		Value: message.Str("v"),
	})

	v, ok := state.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	dups := sender.ofType(message.TypeDuplicate)
	require.Len(t, dups, 1)
	assert.Equal(t, "bob", dups[0].Dest)
}

func TestHandleDuplicateReplacesReplica(t *testing.T) {
	h, state, _ := newHandler(t, "alice", nil)

	h.Handle(context.Background(), message.Message{
		Type: message.TypeDuplicate,
		Source: "bob",
		ID: message.Int(5),
		Keys: []string{"a"},
		Values: []string{"1"},
	})

	owners := state.ReplicaOwners()
	require.Len(t, owners, 1)
	assert.Equal(t, ring.ID(5), owners[0])
}

func TestHandlePingRepliesPong(t *testing.T) {
	h, _, sender := newHandler(t, "alice", nil)

	h.Handle(context.Background(), message.Message{
		Type: message.TypePing,
		Source: "bob",
	})

	pongs := sender.ofType(message.TypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "bob", pongs[0].Dest)
}

func TestHandlePongResetsMissedPings(t *testing.T) {
	h, state, _ := newHandler(t, "alice", nil)
	state.IncrementMissedPings()
	state.IncrementMissedPings()

	h.Handle(context.Background(), message.Message{Type: message.TypePong})

	assert.Equal(t, 0, state.MissedPings())
}

func TestHandlePingSelfRepliesPongSelf(t *testing.T) {
	h, state, sender := newHandler(t, "alice", nil)

	h.Handle(context.Background(), message.Message{Type: message.TypePingSelf})

	pongs := sender.to(state.Self().Name)
	require.Len(t, pongs, 1)
	assert.Equal(t, message.TypePongSelf, pongs[0].Type)
}
