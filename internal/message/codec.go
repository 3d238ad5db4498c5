package message

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/viyer28/halo/internal/herrors"
)

// ErrProtocolViolation re-exports herrors.ErrProtocolViolation for
// callers that only import message.
var ErrProtocolViolation = herrors.ErrProtocolViolation

// ErrUnknownType marks an unrecognized "type" tag. this is
// logged and discarded, not fatal.
var ErrUnknownType = errors.New("unknown message type")

// Encode serializes a Message to its wire JSON form.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses a wire frame into a Message and checks that the fields
// required for its Type are present. A missing required field is a
// protocol violation and is returned as an error; the caller
// treats that as fatal to the process.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("message: decode: %w", err)
	}
	if err := validate(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func missing(typ Type, field string) error {
	return fmt.Errorf("%w: message type %q missing required field %q", ErrProtocolViolation, typ, field)
}

func validate(m Message) error {
	switch m.Type {
	case TypeHello, TypePingSelf, TypePongSelf:
		// no required fields beyond type
	case TypeHelloResponse, TypeJoin, TypeJoinAck, TypeRejoin, TypeRejoinAck,
		TypeGetPred, TypePing, TypePong:
		if m.Source == "" {
			return missing(m.Type, "source")
		}
	case TypeSet:
		if m.ID == nil {
			return missing(m.Type, "id")
		}
		if m.Key == nil {
			return missing(m.Type, "key")
		}
		if m.Value == nil {
			return missing(m.Type, "value")
		}
	case TypeSetResponse:
		if m.ID == nil {
			return missing(m.Type, "id")
		}
		if m.Key == nil {
			return missing(m.Type, "key")
		}
		if m.Value == nil {
			return missing(m.Type, "value")
		}
	case TypeGet:
		if m.ID == nil {
			return missing(m.Type, "id")
		}
		if m.Key == nil {
			return missing(m.Type, "key")
		}
	case TypeGetResponse:
		if m.ID == nil {
			return missing(m.Type, "id")
		}
		if m.Error == nil && m.Value == nil {
			return missing(m.Type, "value or error")
		}
	case TypeFindSucc:
		if m.Source == "" {
			return missing(m.Type, "source")
		}
		if m.QueryID == nil {
			return missing(m.Type, "query_id")
		}
	case TypeFindSuccResponse:
		if m.NodeName == nil {
			return missing(m.Type, "node_name")
		}
		if m.NodeID == nil {
			return missing(m.Type, "node_id")
		}
		if m.QueryID == nil {
			return missing(m.Type, "query_id")
		}
	case TypeGetPredResponse:
		// pred_id / pred_name are legitimately both absent (no
		// predecessor yet); nothing required beyond the type.
	case TypeNotify:
		if m.NodeID == nil {
			return missing(m.Type, "node_id")
		}
		if m.Failed == nil {
			return missing(m.Type, "failed")
		}
	case TypeRetrieve:
		if m.Key == nil {
			return missing(m.Type, "key")
		}
		if m.ID == nil {
			return missing(m.Type, "id")
		}
	case TypeStore:
		if m.Key == nil {
			return missing(m.Type, "key")
		}
		if m.Value == nil {
			return missing(m.Type, "value")
		}
	case TypeTransferRequest:
		if m.Min == nil || m.Max == nil {
			return missing(m.Type, "min/max")
		}
	case TypeTransferKeys:
		if len(m.Keys) != len(m.Values) {
			return fmt.Errorf("%w: message type %q has mismatched keys/values lengths", ErrProtocolViolation, m.Type)
		}
	case TypeDuplicate:
		if m.ID == nil {
			return missing(m.Type, "id")
		}
		if len(m.Keys) != len(m.Values) {
			return fmt.Errorf("%w: message type %q has mismatched keys/values lengths", ErrProtocolViolation, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrUnknownType, m.Type)
	}
	return nil
}
