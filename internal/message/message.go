// Package message defines the wire schema shared with the broker: a
// flat, union-typed JSON record tagged by "type".
package message

// Type is the wire-level message discriminator.
type Type string

const (
	TypeHello Type = "hello"
	TypeHelloResponse Type = "helloResponse"
	TypeSet Type = "set"
	TypeSetResponse Type = "setResponse"
	TypeGet Type = "get"
	TypeGetResponse Type = "getResponse"
	TypeJoin Type = "join"
	TypeJoinAck Type = "joinAck"
	TypeRejoin Type = "rejoin"
	TypeRejoinAck Type = "rejoinAck"
	TypeFindSucc Type = "findSucc"
	TypeFindSuccResponse Type = "findSuccResponse"
	TypeGetPred Type = "getPred"
	TypeGetPredResponse Type = "getPredResponse"
	TypeNotify Type = "notify"
	TypeRetrieve Type = "retrieve"
	TypeStore Type = "store"
	TypeTransferRequest Type = "transferRequest"
	TypeTransferKeys Type = "transferKeys"
	TypeDuplicate Type = "duplicate"
	TypePing Type = "ping"
	TypePong Type = "pong"
	TypePingSelf Type = "pingSelf"
	TypePongSelf Type = "pongSelf"
)

// Message is the flat record used for every frame on the wire. Only the
// fields relevant to Type are populated; the rest are left at their
// zero value. This mirrors original_source/src/msg.rs's
// serde-tagged-flat-struct-with-Option-fields approach, the idiomatic
// shape for a host language (Go) that has no tagged-union derive.
type Message struct {
	Type Type `json:"type"`

	Source string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`

	// set / setResponse / get / getResponse / retrieve / store
	ID *int `json:"id,omitempty"`
	Key *string `json:"key,omitempty"`
	Value *string `json:"value,omitempty"`
	Error *string `json:"error,omitempty"`

	// findSucc / findSuccResponse. query_id is the ring-id correlation
	// key; id (shared with get/set/retrieve/store above) is the
	// original client request id threaded through so the eventual
	// response can be routed back to the originating client. nonce
	// disambiguates simultaneous queries that land on the same
	// query_id, since a bare ring id can collide between overlapping
	// in-flight lookups.
	QueryID *int `json:"query_id,omitempty"`
	Nonce *string `json:"nonce,omitempty"`

	// findSuccResponse
	NodeName *string `json:"node_name,omitempty"`
	NodeID *int `json:"node_id,omitempty"`

	// getPredResponse
	PredID *int `json:"pred_id,omitempty"`
	PredName *string `json:"pred_name,omitempty"`

	// notify
	Failed *bool `json:"failed,omitempty"`

	// transferRequest / transferKeys
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
	Keys []string `json:"keys,omitempty"`
	Values []string `json:"values,omitempty"`

	// duplicate reuses ID above for the replica owner's ring id:
	// duplicate{source,destination,id,keys[],values[]}.
}

// Str returns a pointer to a copy of s, for populating optional fields.
func Str(s string) *string { return &s }

// Int returns a pointer to a copy of i, for populating optional fields.
func Int(i int) *int { return &i }

// Bool returns a pointer to a copy of b, for populating optional fields.
func Bool(b bool) *bool { return &b }
