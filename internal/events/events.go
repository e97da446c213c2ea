package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/copyarena-server/internal/models"
)

// EventType identifies one variant of the broadcast protocol
type EventType string

const (
	EventTradeNew         EventType = "trade_new"
	EventTradeUpdated     EventType = "trade_updated"
	EventTradeClosed      EventType = "trade_closed"
	EventPositionsUpdate  EventType = "positions_update"
	EventAccountUpdate    EventType = "account_update"
	EventMarginWarning    EventType = "margin_warning"
	EventTradesSynced     EventType = "trades_synced"
	EventConnectionStatus EventType = "connection_status"
	EventPing             EventType = "ping"
	EventPong             EventType = "pong"
)

// Envelope is the wire format for every broadcast message
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an envelope, marshaling the payload for the given type
func New(eventType EventType, payload interface{}) (Envelope, error) {
	env := Envelope{Type: eventType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Data = data
	}
	return env, nil
}

// MustNew is New for payloads built from local structs, where marshaling
// cannot fail
func MustNew(eventType EventType, payload interface{}) Envelope {
	env, err := New(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// MarginSeverity grades a margin warning
type MarginSeverity string

const (
	SeverityWarning  MarginSeverity = "warning"
	SeverityHigh     MarginSeverity = "high"
	SeverityCritical MarginSeverity = "critical"
)

// TradePayload carries one ledger trade for trade_new, trade_updated and
// trade_closed events
type TradePayload struct {
	Trade models.Trade `json:"trade"`
}

// PositionsPayload is the bulk replacement of the live open-position list
type PositionsPayload struct {
	Positions []models.Trade `json:"positions"`
}

// AccountPayload is the bulk replacement of the live account numbers
type AccountPayload struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
}

// MarginWarningPayload is an edge-triggered risk alert
type MarginWarningPayload struct {
	Severity    MarginSeverity `json:"severity"`
	MarginLevel float64        `json:"margin_level"`
	Threshold   float64        `json:"threshold"`
}

// SyncSummaryPayload reports the per-cycle reconciliation counts
type SyncSummaryPayload struct {
	Opened  int  `json:"opened"`
	Updated int  `json:"updated"`
	Closed  int  `json:"closed"`
	Skipped bool `json:"skipped"`
}

// ConnectionStatusPayload signals a connectivity transition for the account's
// bridge or for the viewer's own connection
type ConnectionStatusPayload struct {
	Source    string `json:"source"` // "bridge" or "viewer"
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// decoders maps each event type to a constructor for its payload.
// Replaces string-keyed branching on the consumer side: unknown types fail
// decoding instead of silently passing through.
var decoders = map[EventType]func() interface{}{
	EventTradeNew:         func() interface{} { return &TradePayload{} },
	EventTradeUpdated:     func() interface{} { return &TradePayload{} },
	EventTradeClosed:      func() interface{} { return &TradePayload{} },
	EventPositionsUpdate:  func() interface{} { return &PositionsPayload{} },
	EventAccountUpdate:    func() interface{} { return &AccountPayload{} },
	EventMarginWarning:    func() interface{} { return &MarginWarningPayload{} },
	EventTradesSynced:     func() interface{} { return &SyncSummaryPayload{} },
	EventConnectionStatus: func() interface{} { return &ConnectionStatusPayload{} },
	EventPing:             func() interface{} { return nil },
	EventPong:             func() interface{} { return nil },
}

// Decode returns the typed payload for an envelope, or an error for an
// unknown event type
func (e Envelope) Decode() (interface{}, error) {
	ctor, ok := decoders[e.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	payload := ctor()
	if payload == nil {
		return nil, nil
	}
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return payload, nil
}
