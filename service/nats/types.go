package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/vialytics/service/db"
	"github.com/shopspring/decimal"
)

// MovementEvent represents a token movement event published to NATS.
// This is published to the subject "movements.{account}" in JetStream.
type MovementEvent struct {
	// Transaction identifiers
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`

	// Indexed account this movement was observed for
	Account string `json:"account"`

	// Movement details
	AccountIndex uint16  `json:"account_index"`
	Mint         string  `json:"mint"`
	Amount       int64   `json:"amount"`
	Decimals     uint8   `json:"decimals"`
	UIAmount     string  `json:"ui_amount"`
	Direction    string  `json:"direction"` // "in" or "out"
	Source       *string `json:"source,omitempty"`
	Destination  *string `json:"destination,omitempty"`

	// Timing information
	BlockTime   *time.Time `json:"block_time,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
}

// NewMovementEvent converts a recorded movement to a MovementEvent for publishing.
func NewMovementEvent(account string, m db.InsertMovementParams, slot uint64) *MovementEvent {
	event := &MovementEvent{
		Signature:    m.Signature,
		Slot:         slot,
		Account:      account,
		AccountIndex: m.AccountIndex,
		Mint:         m.Mint,
		Amount:       m.Amount,
		Decimals:     m.Decimals,
		UIAmount:     decimal.New(m.Amount, -int32(m.Decimals)).String(),
		Direction:    "in",
		Source:       m.Source,
		Destination:  m.Destination,
		PublishedAt:  time.Now().UTC(),
	}
	if m.Amount < 0 {
		event.Direction = "out"
	}
	if m.BlockTime != nil {
		bt := time.Unix(*m.BlockTime, 0).UTC()
		event.BlockTime = &bt
	}
	return event
}

// ID identifies the movement for JetStream de-duplication.
func (e *MovementEvent) ID() string {
	return fmt.Sprintf("%s:%d:%s", e.Signature, e.AccountIndex, e.Mint)
}

// Subject returns the subject the event is published to.
func (e *MovementEvent) Subject() string {
	return SubjectPrefix + e.Account
}
