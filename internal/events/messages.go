package events

import (
	"encoding/json"
	"time"
)

const (
	TypeSessionChanged = "session.changed"
	TypeExpensePrefix  = "expense."
)

// ChangeMessage is the JSON body published to the change feed. It carries
// identifiers only; amounts and titles stay on the device.
type ChangeMessage struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	ExpenseID string    `json:"expenseId,omitempty"`
	SignedIn  bool      `json:"signedIn"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSessionMessage builds the feed message for a session change
func NewSessionMessage(ev SessionChanged) *ChangeMessage {
	msg := &ChangeMessage{Type: TypeSessionChanged, Timestamp: ev.At}
	if ev.Session != nil {
		msg.UserID = ev.Session.ID
		msg.SignedIn = true
	}
	return msg
}

// NewExpenseMessage builds the feed message for an expense change
func NewExpenseMessage(ev ExpenseChanged) *ChangeMessage {
	return &ChangeMessage{
		Type:      TypeExpensePrefix + string(ev.Action),
		UserID:    ev.UserID,
		ExpenseID: ev.ExpenseID,
		SignedIn:  true,
		Timestamp: ev.At,
	}
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON creates a message from JSON bytes
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
