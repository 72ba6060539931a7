// Package session implements the Client Session state machine, the
// broadcast bus feeding it tweets, and the client/server wire protocol,
// per spec.md §4.4 and §6.
package session

import (
	"encoding/json"
	"fmt"
)

// clientEnvelope is the tagged-union shape every client→server frame
// arrives in: {"type":"...","data":...}.
type clientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ClientMessage is a decoded client→server frame, one of the four kinds
// §6 names. Follows is populated for the three subscription kinds and
// empty for KindExit.
type ClientMessage struct {
	Kind    ClientMessageKind
	Follows []uint64 // set/insert/remove_subscriptions payload
}

// ClientMessageKind enumerates the §6 client→server message types.
type ClientMessageKind int

const (
	KindSetSubscriptions ClientMessageKind = iota
	KindInsertSubscriptions
	KindRemoveSubscriptions
	KindExit
)

// DecodeClientMessage parses one client→server text frame. A JSON decode
// failure or unrecognized type returns an error whose message is suitable
// to echo back verbatim in a protocol_error frame (spec.md E6).
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}

	switch env.Type {
	case "set_subscriptions":
		fids, err := decodeFollows(env.Data)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Kind: KindSetSubscriptions, Follows: fids}, nil

	case "insert_subscriptions":
		fids, err := decodeFollows(env.Data)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Kind: KindInsertSubscriptions, Follows: fids}, nil

	case "remove_subscriptions":
		fids, err := decodeFollows(env.Data)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Kind: KindRemoveSubscriptions, Follows: fids}, nil

	case "exit":
		return ClientMessage{Kind: KindExit}, nil

	default:
		return ClientMessage{}, fmt.Errorf("unrecognized message type %q", env.Type)
	}
}

// decodeFollows parses the FID-array payload and collapses duplicates to a
// set, per spec.md §6: "Duplicates are tolerated and collapsed to a set."
func decodeFollows(data json.RawMessage) ([]uint64, error) {
	var raw []uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed subscription list: %w", err)
	}

	seen := make(map[uint64]struct{}, len(raw))
	out := make([]uint64, 0, len(raw))
	for _, f := range raw {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

// serverEnvelope mirrors clientEnvelope for the opposite direction.
type serverEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EncodeAck builds an ack_subscriptions frame carrying the client's new
// authoritative interest set.
func EncodeAck(follows []uint64) ([]byte, error) {
	if follows == nil {
		follows = []uint64{}
	}
	return json.Marshal(serverEnvelope{Type: "ack_subscriptions", Data: follows})
}

// EncodeTweet builds a tweet frame whose data is the given projection;
// Session.deliverTweet passes a tweet.Projection value.
func EncodeTweet(projection any) ([]byte, error) {
	return json.Marshal(serverEnvelope{Type: "tweet", Data: projection})
}

// EncodeProtocolError builds a protocol_error frame with a human-readable
// decode diagnostic, per spec.md §6/§7.
func EncodeProtocolError(reason string) ([]byte, error) {
	return json.Marshal(serverEnvelope{Type: "protocol_error", Data: reason})
}
