/*
outbox.go - Transactional outbox records and typed payloads

PURPOSE:
  Every ledger mutation with downstream relevance appends exactly one
  OutboxEvent inside the same database transaction. A separate
  dispatcher later drains due rows, so an event can never be lost
  between "committed" and "told the dispatcher".

STATUS MACHINE:
  PENDING -> SENDING -> SENT
  SENDING -> FAILED -> (scheduled retry) -> SENDING
  FAILED  -> DEAD (retry budget exhausted, operator action required)

PAYLOADS:
  Payloads are a closed set of typed structs, one per EventType, each
  with its own required-field contract (Validate). The JSON form is
  what is stored and what the dispatcher publishes.
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPointsEarned        EventType = "loyalty.points.earned"
	EventPointsRedeemed      EventType = "loyalty.points.redeemed"
	EventTransactionCanceled EventType = "loyalty.transaction.canceled"
	EventFraudAlert          EventType = "loyalty.antifraud.alert"
	EventPointsTTLBurned     EventType = "loyalty.points_ttl.burned"
)

type EventStatus string

const (
	StatusPending EventStatus = "PENDING"
	StatusSending EventStatus = "SENDING"
	StatusFailed  EventStatus = "FAILED"
	StatusDead    EventStatus = "DEAD"
	StatusSent    EventStatus = "SENT"
)

// AllStatuses lists every outbox status in state-machine order.
var AllStatuses = []EventStatus{StatusPending, StatusSending, StatusFailed, StatusDead, StatusSent}

func (s EventStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// OutboxEvent is one durable event record. LastError is empty when null.
type OutboxEvent struct {
	ID          EventID
	MerchantID  MerchantID
	EventType   EventType
	Payload     json.RawMessage
	Status      EventStatus
	Retries     int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// PAYLOADS
// =============================================================================

// Payload is implemented by every typed outbox payload.
type Payload interface {
	EventType() EventType
	Validate() error
}

type PointsEarnedPayload struct {
	TransactionID TransactionID `json:"transactionId"`
	CustomerID    CustomerID    `json:"customerId"`
	Amount        int64         `json:"amount"`
	Balance       int64         `json:"balance"`
	Source        EarnSource    `json:"source"`
	ReceiptID     string        `json:"receiptId,omitempty"`
	OutletID      string        `json:"outletId,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
}

func (PointsEarnedPayload) EventType() EventType { return EventPointsEarned }

func (p PointsEarnedPayload) Validate() error {
	if p.TransactionID == "" || p.CustomerID == "" || p.Amount <= 0 || p.Source == "" {
		return fmt.Errorf("%w: %s requires transactionId, customerId, amount>0, source", ErrInvalidPayload, p.EventType())
	}
	return nil
}

type PointsRedeemedPayload struct {
	TransactionID TransactionID `json:"transactionId"`
	CustomerID    CustomerID    `json:"customerId"`
	Amount        int64         `json:"amount"`
	Balance       int64         `json:"balance"`
	OrderID       string        `json:"orderId,omitempty"`
	OutletID      string        `json:"outletId,omitempty"`
}

func (PointsRedeemedPayload) EventType() EventType { return EventPointsRedeemed }

func (p PointsRedeemedPayload) Validate() error {
	if p.TransactionID == "" || p.CustomerID == "" || p.Amount <= 0 {
		return fmt.Errorf("%w: %s requires transactionId, customerId, amount>0", ErrInvalidPayload, p.EventType())
	}
	return nil
}

type TransactionCanceledPayload struct {
	TransactionID TransactionID `json:"transactionId"`
	ReversalID    TransactionID `json:"reversalId"`
	CustomerID    CustomerID    `json:"customerId"`
	OriginalType  EntryType     `json:"originalType"`
	Delta         int64         `json:"delta"`
	Balance       int64         `json:"balance"`
	CanceledBy    string        `json:"canceledBy"`
}

func (TransactionCanceledPayload) EventType() EventType { return EventTransactionCanceled }

func (p TransactionCanceledPayload) Validate() error {
	if p.TransactionID == "" || p.ReversalID == "" || p.CustomerID == "" || p.CanceledBy == "" {
		return fmt.Errorf("%w: %s requires transactionId, reversalId, customerId, canceledBy", ErrInvalidPayload, p.EventType())
	}
	return nil
}

// FraudAlertPayload is the FRAUD notification enqueued for human review.
type FraudAlertPayload struct {
	Reason        string        `json:"reason"`
	Scope         Scope         `json:"scope"`
	ScopeValue    string        `json:"scopeValue"`
	Rule          string        `json:"rule"`
	Limit         int64         `json:"limit"`
	Observed      int64         `json:"observed"`
	WindowSec     int64         `json:"windowSec"`
	CustomerID    CustomerID    `json:"customerId"`
	TransactionID TransactionID `json:"transactionId"`
	EntryType     EntryType     `json:"entryType"`
	Points        int64         `json:"points"`
	ReceiptID     string        `json:"receiptId,omitempty"`
	OccurredAt    time.Time     `json:"occurredAt"`
}

func (FraudAlertPayload) EventType() EventType { return EventFraudAlert }

func (p FraudAlertPayload) Validate() error {
	if p.Reason == "" || p.Scope == "" {
		return fmt.Errorf("%w: %s requires reason and scope", ErrInvalidPayload, p.EventType())
	}
	return nil
}

// PointsBurnedPayload is emitted by the external expiry worker.
// Cutoff is the ISO-8601 string of the burn run's cutoff.
type PointsBurnedPayload struct {
	CustomerID CustomerID `json:"customerId"`
	Amount     int64      `json:"amount"`
	Cutoff     string     `json:"cutoff"`
}

func (PointsBurnedPayload) EventType() EventType { return EventPointsTTLBurned }

func (p PointsBurnedPayload) Validate() error {
	if p.CustomerID == "" || p.Cutoff == "" || p.Amount < 0 {
		return fmt.Errorf("%w: %s requires customerId, cutoff, amount>=0", ErrInvalidPayload, p.EventType())
	}
	return nil
}

// NewEvent validates p and builds a PENDING event due at now.
func NewEvent(merchantID MerchantID, p Payload, now time.Time) (OutboxEvent, error) {
	if err := p.Validate(); err != nil {
		return OutboxEvent{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return OutboxEvent{
		ID:          EventID(uuid.NewString()),
		MerchantID:  merchantID,
		EventType:   p.EventType(),
		Payload:     raw,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DecodePayload parses the stored payload into its typed form.
func DecodePayload(e OutboxEvent) (Payload, error) {
	var p Payload
	switch e.EventType {
	case EventPointsEarned:
		p = &PointsEarnedPayload{}
	case EventPointsRedeemed:
		p = &PointsRedeemedPayload{}
	case EventTransactionCanceled:
		p = &TransactionCanceledPayload{}
	case EventFraudAlert:
		p = &FraudAlertPayload{}
	case EventPointsTTLBurned:
		p = &PointsBurnedPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, e.EventType)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
