// Package handler implements the Message Handler: it
// dispatches inbound wire messages onto the Chord Operations in
// internal/dht and emits outbound frames through a Sender. It owns the
// exclusive write to NodeState during dispatch.
package handler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viyer28/halo/internal/dht"
	"github.com/viyer28/halo/internal/message"
	"github.com/viyer28/halo/internal/ring"
)

// Sender delivers one outbound frame to the broker and blocks until the
// broker's mandatory single-frame acknowledgement is received.
type Sender interface {
	Send(ctx context.Context, dest string, m message.Message) error
}

// Handler dispatches inbound messages onto Node State and emits
// outbound frames: one method per message kind, all effects inline,
// keyed by a single switch over the wire type.
type Handler struct {
	state *dht.NodeState
	sender Sender
	peers []string
	log *zap.SugaredLogger

	connected bool

	// onFirstHello fires once, the first time a hello arrives, so main
	// can start the Stabilizer only once a node is actually connected.
	onFirstHello func()
}

// New constructs a Handler over state, sending through sender to the
// given initial peer list.
func New(state *dht.NodeState, sender Sender, peers []string, log *zap.SugaredLogger, onFirstHello func()) *Handler {
	return &Handler{
		state: state,
		sender: sender,
		peers: peers,
		log: log,
		onFirstHello: onFirstHello,
	}
}

func (h *Handler) send(ctx context.Context, dest string, m message.Message) {
	if err := h.sender.Send(ctx, dest, m); err != nil {
		h.log.Errorw("send failed", "dest", dest, "type", m.Type, "err", err)
	}
}

// Handle dispatches one already-decoded, already-validated inbound
// message. The caller (the broker's subscribe loop) is responsible for
// discarding unknown types and protocol violations before calling
// Handle. The whole dispatch runs under the node's exclusive lock, so
// a concurrent stabilizer tick can never observe or mutate state
// mid-dispatch.
func (h *Handler) Handle(ctx context.Context, m message.Message) {
	h.state.Lock()
	defer h.state.Unlock()

	switch m.Type {
	case message.TypeHello:
		h.handleHello(ctx)
	case message.TypeSet:
		h.handleSet(ctx, m)
	case message.TypeGet:
		h.handleGet(ctx, m)
	case message.TypeJoin:
		h.handleJoin(ctx, m)
	case message.TypeJoinAck:
		h.handleJoinAck(ctx, m)
	case message.TypeRejoin:
		h.handleRejoin(ctx, m)
	case message.TypeRejoinAck:
		h.handleRejoinAck(ctx, m)
	case message.TypeFindSucc:
		h.handleFindSucc(ctx, m)
	case message.TypeFindSuccResponse:
		h.handleFindSuccResponse(ctx, m)
	case message.TypeGetPred:
		h.handleGetPred(ctx, m)
	case message.TypeGetPredResponse:
		h.handleGetPredResponse(ctx, m)
	case message.TypeNotify:
		h.handleNotify(ctx, m)
	case message.TypeRetrieve:
		h.handleRetrieve(ctx, m)
	case message.TypeStore:
		h.handleStore(ctx, m)
	case message.TypeTransferRequest:
		h.handleTransferRequest(ctx, m)
	case message.TypeTransferKeys:
		h.handleTransferKeys(ctx, m)
	case message.TypeDuplicate:
		h.handleDuplicate(ctx, m)
	case message.TypePing:
		h.handlePing(ctx, m)
	case message.TypePong:
		h.state.ResetMissedPings()
	case message.TypePingSelf:
		h.handlePingSelf(ctx)
	case message.TypePongSelf:
		// No-op: its purpose is only to force the handler loop to
		// release and reacquire the lock, giving the stabilizer a
		// chance to run on contended systems.
	default:
		h.log.Warnw("discarding unhandled message type", "type", m.Type)
	}
}

func (h *Handler) handleHello(ctx context.Context) {
	first := !h.connected
	if first {
		h.send(ctx, h.state.Self().Name, message.Message{
			Type: message.TypeHelloResponse,
			Source: h.state.Self().Name,
		})
	}
	h.connected = true
	for _, peer := range h.peers {
		h.send(ctx, peer, message.Message{
			Type: message.TypeJoin,
			Source: h.state.Self().Name,
			Destination: peer,
		})
	}
	if first && h.onFirstHello != nil {
		h.onFirstHello()
	}
}

func (h *Handler) handleSet(ctx context.Context, m message.Message) {
	self := h.state.Self()
	h.send(ctx, m.Source, message.Message{
		Type: message.TypeSetResponse,
		ID: m.ID,
		Key: m.Key,
		Value: m.Value,
	})

	q := ring.Hash(*m.Key)
	key := h.record(q, dht.QueryKind{Tag: dht.QuerySet, Key: *m.Key, Value: *m.Value})
	h.dispatchFindSuccessor(ctx, self, q, key.Nonce, nil)
}

func (h *Handler) handleGet(ctx context.Context, m message.Message) {
	self := h.state.Self()
	q := ring.Hash(*m.Key)
	key := h.record(q, dht.QueryKind{Tag: dht.QueryGet, Key: *m.Key})
	h.dispatchFindSuccessor(ctx, self, q, key.Nonce, m.ID)
}

func (h *Handler) handleJoin(ctx context.Context, m message.Message) {
	h.send(ctx, m.Source, message.Message{
		Type: message.TypeJoinAck,
		Source: m.Destination,
		Destination: m.Source,
	})
}

func (h *Handler) handleJoinAck(ctx context.Context, m message.Message) {
	h.state.SetPredecessor(dht.NodeRef{})
	h.beginJoinRound(ctx, m.Source)
}

func (h *Handler) handleRejoin(ctx context.Context, m message.Message) {
	h.send(ctx, m.Source, message.Message{
		Type: message.TypeRejoinAck,
		Source: m.Destination,
		Destination: m.Source,
	})
}

func (h *Handler) handleRejoinAck(ctx context.Context, m message.Message) {
	h.state.ClearLastFailedSuccessor()
	h.beginJoinRound(ctx, m.Source)
}

// beginJoinRound is shared by joinAck and rejoinAck: record JoinAck
// under self.id and ask src to find our own successor.
//
// This relies on the invited peer already being reachable when its
// findSucc response comes back: a fresh node
// has predecessor=nil and successor=self, so find_predecessor(self.id)
// is only meaningful once this node is addressable by src.
func (h *Handler) beginJoinRound(ctx context.Context, src string) {
	self := h.state.Self()
	key := h.record(self.ID, dht.QueryKind{Tag: dht.QueryJoinAck})
	h.send(ctx, src, message.Message{
		Type: message.TypeFindSucc,
		Source: self.Name,
		QueryID: message.Int(int(self.ID)),
		Nonce: message.Str(key.Nonce),
	})
}

func (h *Handler) handleFindSucc(ctx context.Context, m message.Message) {
	querier := dht.NodeRef{Name: m.Source}
	nonce := ""
	if m.Nonce != nil {
		nonce = *m.Nonce
	}
	h.dispatchFindSuccessor(ctx, querier, ring.ID(*m.QueryID), nonce, m.ID)
}

// dispatchFindSuccessor implements find_successor: either
// this node's successor already owns id (reply directly to src with
// findSuccResponse) or the search is forwarded to the closest
// preceding finger. Shared by the inbound findSucc handler and by
// set/get's local "issue find_successor(...)" effects. Called
// with Handle's exclusive lock held.
func (h *Handler) dispatchFindSuccessor(ctx context.Context, src dht.NodeRef, id ring.ID, nonce string, clientID *int) {
	self := h.state.Self()
	isSelf, node := h.state.FindPredecessor(id)
	if isSelf {
		owner := h.state.Successor()
		h.send(ctx, src.Name, message.Message{
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
	h.send(ctx, node.Name, message.Message{
		Type: message.TypeFindSucc,
		Source: src.Name,
		QueryID: message.Int(int(id)),
		Nonce: message.Str(nonce),
		ID: clientID,
	})
}

func (h *Handler) handleFindSuccResponse(ctx context.Context, m message.Message) {
	nonce := ""
	if m.Nonce != nil {
		nonce = *m.Nonce
	}
	key := dht.QueryKey{ID: ring.ID(*m.QueryID), Nonce: nonce}
	kind, ok := h.state.PopQuery(key)
	if !ok {
		// Unknown or already-resolved query id: stale or superseded
		// response, discarded silently.
		return
	}

	self := h.state.Self()
	owner := dht.NodeRef{ID: ring.ID(*m.NodeID), Name: *m.NodeName}

	switch kind.Tag {
	case dht.QueryJoinAck:
		h.state.SetFinger(0, owner)
	case dht.QueryFixFinger:
		h.state.SetFinger(kind.FingerIndex, owner)
	case dht.QueryGet:
		h.send(ctx, owner.Name, message.Message{
			Type: message.TypeRetrieve,
			Source: self.Name,
			Key: message.Str(kind.Key),
			ID: m.ID,
		})
	case dht.QuerySet:
		h.send(ctx, owner.Name, message.Message{
			Type: message.TypeStore,
			Source: self.Name,
			Key: message.Str(kind.Key),
			Value: message.Str(kind.Value),
		})
	case dht.QueryFixSuccessor:
		if h.state.FixSuccessor(kind.SuccessorIndex, owner) {
			keys, values := h.state.StoreSnapshot()
			h.send(ctx, owner.Name, message.Message{
				Type: message.TypeDuplicate,
				Source: self.Name,
				ID: message.Int(int(self.ID)),
				Keys: keys,
				Values: values,
			})
		}
	}
}

func (h *Handler) handleGetPred(ctx context.Context, m message.Message) {
	self := h.state.Self()
	pred := h.state.Predecessor()

	resp := message.Message{
		Type: message.TypeGetPredResponse,
		Source: self.Name,
		Destination: m.Source,
	}
	if !pred.IsZero() {
		resp.PredID = message.Int(int(pred.ID))
		resp.PredName = message.Str(pred.Name)
	}
	h.send(ctx, m.Source, resp)
}

func (h *Handler) handleGetPredResponse(ctx context.Context, m message.Message) {
	self := h.state.Self()
	if m.PredID != nil && m.PredName != nil {
		h.state.StabilizeSuccessor(ring.ID(*m.PredID), *m.PredName)
	}
	succ := h.state.Successor()
	h.send(ctx, succ.Name, message.Message{
		Type: message.TypeNotify,
		Source: self.Name,
		NodeID: message.Int(int(self.ID)),
		Failed: message.Bool(false),
	})
}

func (h *Handler) handleNotify(ctx context.Context, m message.Message) {
	self := h.state.Self()
	directive := h.state.StabilizePredecessor(ring.ID(*m.NodeID), m.Source, *m.Failed)

	switch directive.Action {
	case dht.TransferGet:
		succ := h.state.Successor()
		h.send(ctx, succ.Name, message.Message{
			Type: message.TypeTransferRequest,
			Source: self.Name,
			Min: message.Int(int(directive.Min)),
			Max: message.Int(int(directive.Max)),
		})
	case dht.TransferSend:
		keys, values := h.state.TransferKVsRange(directive.Min, directive.Max)
		h.send(ctx, directive.Peer.Name, message.Message{
			Type: message.TypeTransferKeys,
			Source: self.Name,
			Keys: keys,
			Values: values,
		})
	case dht.TransferDuplicate:
		h.duplicateToSuccessors(ctx)
	case dht.TransferNothing:
		// no emission
	}
}

func (h *Handler) handleRetrieve(ctx context.Context, m message.Message) {
	self := h.state.Self()
	resp := message.Message{
		Type: message.TypeGetResponse,
		Source: self.Name,
		ID: m.ID,
	}
	if v, ok := h.state.Get(*m.Key); ok {
		resp.Value = message.Str(v)
	} else {
		resp.Error = message.Str(fmt.Sprintf("No such key: %s", *m.Key))
	}
	h.send(ctx, m.Source, resp)
}

func (h *Handler) handleStore(ctx context.Context, m message.Message) {
	h.state.Put(*m.Key, *m.Value)
	h.duplicateToSuccessors(ctx)
}

func (h *Handler) handleTransferRequest(ctx context.Context, m message.Message) {
	self := h.state.Self()
	keys, values := h.state.TransferKVsRange(ring.ID(*m.Min), ring.ID(*m.Max))
	h.send(ctx, m.Source, message.Message{
		Type: message.TypeTransferKeys,
		Source: self.Name,
		Keys: keys,
		Values: values,
	})
}

func (h *Handler) handleTransferKeys(ctx context.Context, m message.Message) {
	h.state.InsertAll(m.Keys, m.Values)
	h.duplicateToSuccessors(ctx)
}

func (h *Handler) handleDuplicate(_ context.Context, m message.Message) {
	h.state.ReplaceReplica(ring.ID(*m.ID), m.Keys, m.Values)
}

func (h *Handler) handlePing(ctx context.Context, m message.Message) {
	self := h.state.Self()
	h.send(ctx, m.Source, message.Message{
		Type: message.TypePong,
		Source: self.Name,
	})
}

func (h *Handler) handlePingSelf(ctx context.Context) {
	self := h.state.Self()
	h.send(ctx, self.Name, message.Message{
		Type: message.TypePongSelf,
		Destination: self.Name,
	})
}

// duplicateToSuccessors pushes a snapshot of the primary store to every
// live successor as a fresh replica. Called with Handle's exclusive
// lock held.
func (h *Handler) duplicateToSuccessors(ctx context.Context) {
	self := h.state.Self()
	keys, values := h.state.StoreSnapshot()
	for _, succ := range h.state.LiveSuccessors() {
		h.send(ctx, succ.Name, message.Message{
			Type: message.TypeDuplicate,
			Source: self.Name,
			ID: message.Int(int(self.ID)),
			Keys: keys,
			Values: values,
		})
	}
}

// recordedQuery is returned by record so callers can embed the nonce in
// the outbound findSucc frame.
type recordedQuery struct {
	Nonce string
}

func (h *Handler) record(id ring.ID, kind dht.QueryKind) recordedQuery {
	nonce := uuid.NewString()
	h.state.RecordQuery(dht.QueryKey{ID: id, Nonce: nonce}, kind)
	return recordedQuery{Nonce: nonce}
}
