/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Validation is done by the ledger, outbox and ttl packages. DTOs are
  pure data carriers; handlers only convert them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// LEDGER
// =============================================================================

// AccrueRequest credits points for a purchase. Amount accepts a JSON
// number or string ("129.90").
type AccrueRequest struct {
	CustomerID   string          `json:"customerId"`
	Amount       decimal.Decimal `json:"amount"`
	ManualPoints *int64          `json:"manualPoints,omitempty"`
	ReceiptID    string          `json:"receiptId,omitempty"`
	OutletID     string          `json:"outletId,omitempty"`
	DeviceID     string          `json:"deviceId,omitempty"`
	StaffID      string          `json:"staffId,omitempty"`
}

type RedeemRequest struct {
	CustomerID string `json:"customerId"`
	Amount     int64  `json:"amount"`
	OrderID    string `json:"orderId,omitempty"`
	OutletID   string `json:"outletId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	StaffID    string `json:"staffId,omitempty"`
}

type ComplimentaryRequest struct {
	CustomerID    string `json:"customerId"`
	Amount        int64  `json:"amount"`
	ExpiresInDays int    `json:"expiresInDays"`
	Comment       string `json:"comment,omitempty"`
}

type CancelRequest struct {
	Actor string `json:"actor"`
}

type ResultDTO struct {
	TransactionID string `json:"transactionId"`
	Balance       int64  `json:"balance"`
}

type CancelResultDTO struct {
	ReversalID string `json:"reversalId"`
	Balance    int64  `json:"balance"`
}

type BalanceDTO struct {
	MerchantID string `json:"merchantId"`
	CustomerID string `json:"customerId"`
	Balance    int64  `json:"balance"`
}

// TransactionDTO is one journal entry.
type TransactionDTO struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Amount     int64                `json:"amount"`
	CustomerID string               `json:"customerId"`
	OrderID    string               `json:"orderId,omitempty"`
	OutletID   string               `json:"outletId,omitempty"`
	DeviceID   string               `json:"deviceId,omitempty"`
	StaffID    string               `json:"staffId,omitempty"`
	Comment    string               `json:"comment,omitempty"`
	Canceled   bool                 `json:"canceled"`
	Metadata   ledger.EntryMetadata `json:"metadata"`
	CreatedAt  time.Time            `json:"createdAt"`
}

func toTransactionDTO(e ledger.JournalEntry) TransactionDTO {
	return TransactionDTO{
		ID:         string(e.ID),
		Type:       string(e.Type),
		Amount:     e.Amount,
		CustomerID: string(e.CustomerID),
		OrderID:    e.OrderID,
		OutletID:   e.OutletID,
		DeviceID:   e.DeviceID,
		StaffID:    e.StaffID,
		Comment:    e.Comment,
		Canceled:   e.IsCanceled(),
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

// =============================================================================
// OUTBOX
// =============================================================================

type OutboxEventDTO struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	Status      string          `json:"status"`
	Retries     int             `json:"retries"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	LastError   *string         `json:"lastError"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func toOutboxEventDTO(e ledger.OutboxEvent) OutboxEventDTO {
	dto := OutboxEventDTO{
		ID:          string(e.ID),
		EventType:   string(e.EventType),
		Status:      string(e.Status),
		Retries:     e.Retries,
		NextRetryAt: e.NextRetryAt,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
	if e.LastError != "" {
		dto.LastError = &e.LastError
	}
	return dto
}

type PauseRequest struct {
	Until time.Time `json:"until"`
}

// CountResponse reports how many rows an administrative action changed.
type CountResponse struct {
	Updated int64 `json:"updated"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
