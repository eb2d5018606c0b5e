// Package protocol defines the JSON messages exchanged over the WebSocket
// and returned by the HTTP query routes.
//
// Amounts travel as decimal strings and addresses as 0x-prefixed hex so no
// client has to handle 256-bit integers in JSON numbers.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// Client -> Server
	TypeHello          MessageType = "hello"
	TypeCreateCell     MessageType = "create_cell"
	TypeJoinCell       MessageType = "join_cell"
	TypeSubmitMove     MessageType = "submit_move"
	TypeSubmitDecision MessageType = "submit_decision"
	TypeGetCell        MessageType = "get_cell"
	TypeGetRound       MessageType = "get_round"
	TypeGetStatus      MessageType = "get_status"
	TypeGetPlayerCell  MessageType = "get_player_cell"
	TypeGetPairCell    MessageType = "get_pair_cell"
	TypeSubscribe      MessageType = "subscribe"

	// Server -> Client
	TypeOK    MessageType = "ok"
	TypeError MessageType = "error"
	TypeEvent MessageType = "event"
)

func (mt MessageType) String() string {
	return string(mt)
}

// Message is the envelope for every frame. Replies carry the RequestID of
// the request they answer.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(messageType MessageType, data any) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		Type:      messageType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Data, v)
}

// Client -> Server payloads

// Hello declares the identity the connection acts as. Token is required
// only when the server validates identities.
type Hello struct {
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

// CreateCell opens a cell staking Value. Without Entropy the server picks.
type CreateCell struct {
	Value   string  `json:"value"`
	Entropy *uint64 `json:"entropy,omitempty"`
}

type JoinCell struct {
	CellID uint64 `json:"cellId"`
	Value  string `json:"value"`
}

// SubmitMove carries a raw move byte: 0 cooperates, anything else defects.
type SubmitMove struct {
	CellID uint64 `json:"cellId"`
	Move   uint8  `json:"move"`
}

type SubmitDecision struct {
	CellID   uint64 `json:"cellId"`
	Continue bool   `json:"continue"`
}

// CellRef names a cell, for get_cell, get_status and subscribe.
type CellRef struct {
	CellID uint64 `json:"cellId"`
}

type GetRound struct {
	CellID uint64 `json:"cellId"`
	Round  uint8  `json:"round"`
}

type PlayerRef struct {
	Address string `json:"address"`
}

type PairRef struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Server -> Client payloads

type HelloResult struct {
	Address string `json:"address"`
}

// CellIDResult answers create_cell, get_player_cell and get_pair_cell. Zero
// means no cell.
type CellIDResult struct {
	CellID uint64 `json:"cellId"`
}

// Outcome reports what a move or decision changed.
type Outcome struct {
	Resolved  uint8 `json:"resolved,omitempty"`
	Opened    uint8 `json:"opened,omitempty"`
	Completed bool  `json:"completed,omitempty"`
}

type CellView struct {
	CellID       uint64 `json:"cellId"`
	Player1      string `json:"player1"`
	Player2      string `json:"player2"`
	Stake        string `json:"stake"`
	TotalRounds  uint8  `json:"totalRounds"`
	CurrentRound uint8  `json:"currentRound"`
	Complete     bool   `json:"complete"`
}

// RoundView reports a finished round. Unknown and unfinished rounds are all
// zero.
type RoundView struct {
	CellID        uint64 `json:"cellId"`
	Round         uint8  `json:"round"`
	Player1Move   uint8  `json:"player1Move"`
	Player2Move   uint8  `json:"player2Move"`
	Player1Payout string `json:"player1Payout"`
	Player2Payout string `json:"player2Payout"`
}

type StatusView struct {
	CellID         uint64 `json:"cellId"`
	Player1Decided bool   `json:"player1Decided"`
	Player1Wants   bool   `json:"player1Wants"`
	Player2Decided bool   `json:"player2Decided"`
	Player2Wants   bool   `json:"player2Wants"`
}

type Stats struct {
	Cells    uint64 `json:"cells"`
	Owed     int    `json:"owed"`
	MinStake string `json:"minStake"`
	Owner    string `json:"owner"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event mirrors an engine event for subscribed connections. Fields that do
// not apply to Kind are omitted.
type Event struct {
	Kind     string `json:"kind"`
	CellID   uint64 `json:"cellId"`
	Round    uint8  `json:"round,omitempty"`
	Player   string `json:"player,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Payout1  string `json:"payout1,omitempty"`
	Payout2  string `json:"payout2,omitempty"`
	Player1  string `json:"player1Move,omitempty"`
	Player2  string `json:"player2Move,omitempty"`
	Error    string `json:"error,omitempty"`
	Occurred int64  `json:"occurred"`
}
