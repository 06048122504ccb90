/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes the ledger, the outbox controller and the TTL reconciler over
  REST. Handles HTTP request/response and JSON/CSV serialization, and
  delegates everything else to the domain packages.

ENDPOINTS (all under /api/merchants/{merchantID}):
  Ledger:
    POST   /accrue                          Earn points for a purchase
    POST   /redeem                          Spend points
    POST   /complimentary                   Grant points with explicit expiry
    POST   /transactions/{id}/cancel        Reverse an EARN or REDEEM
    GET    /customers/{customerID}/balance  Current balance
    GET    /transactions                    Journal (JSON)
    GET    /transactions.csv                Journal (CSV)

  Settings:
    GET    /settings                        Merchant settings snapshot
    PUT    /settings                        Replace merchant settings

  Outbox:
    GET    /outbox                          List events
    GET    /outbox.csv                      Export events
    GET    /outbox/stats                    Counts per status/type
    POST   /outbox/{eventID}/retry          Re-queue one event
    POST   /outbox/retry-all                Re-queue by status
    POST   /outbox/retry-since              Re-queue by status and creation time
    POST   /outbox/pause                    Pause delivery until a time
    POST   /outbox/resume                   Resume delivery

  TTL:
    GET    /ttl/reconciliation              Reconciliation report (JSON)
    GET    /ttl/reconciliation.csv          Reconciliation report (CSV)

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the domain package (it validates)
  3. Serialize response
  4. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Merchant, wallet, transaction or event not found
  - 409: Conflict (insufficient balance, already canceled, duplicate receipt, antifraud block)
  - 503: Datastore kept aborting the transaction; safe to retry
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization here. Deploy behind the gateway
  that authenticates merchants and operators.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/outbox"
	"github.com/warp/loyalty-ledger/ttl"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// SettingsStore reads and writes merchant settings.
type SettingsStore interface {
	ledger.SettingsProvider
	SaveMerchant(ctx context.Context, merchantID ledger.MerchantID, settings ledger.MerchantSettings) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *ledger.Service
	Outbox     *outbox.Controller
	Reconciler *ttl.Reconciler
	Settings   SettingsStore

	// Ping backs /healthz. Nil reports healthy.
	Ping func(ctx context.Context) error
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *ledger.Service, ctrl *outbox.Controller, rec *ttl.Reconciler, settings SettingsStore) *Handler {
	return &Handler{
		Ledger:     svc,
		Outbox:     ctrl,
		Reconciler: rec,
		Settings:   settings,
	}
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Accrue earns points for a purchase.
// POST /api/merchants/{merchantID}/accrue
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var req AccrueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Accrue(r.Context(), ledger.AccrueRequest{
		MerchantID:   merchantID(r),
		CustomerID:   ledger.CustomerID(req.CustomerID),
		Amount:       req.Amount,
		ManualPoints: req.ManualPoints,
		ReceiptID:    req.ReceiptID,
		OutletID:     req.OutletID,
		DeviceID:     req.DeviceID,
		StaffID:      req.StaffID,
	})
	if err != nil {
		writeDomainError(w, r, "Failed to accrue points", err)
		return
	}
	writeJSON(w, http.StatusCreated, ResultDTO{TransactionID: string(res.TransactionID), Balance: res.Balance})
}

// Redeem spends points.
// POST /api/merchants/{merchantID}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Redeem(r.Context(), ledger.RedeemRequest{
		MerchantID: merchantID(r),
		CustomerID: ledger.CustomerID(req.CustomerID),
		Amount:     req.Amount,
		OrderID:    req.OrderID,
		OutletID:   req.OutletID,
		DeviceID:   req.DeviceID,
		StaffID:    req.StaffID,
	})
	if err != nil {
		writeDomainError(w, r, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusCreated, ResultDTO{TransactionID: string(res.TransactionID), Balance: res.Balance})
}

// Complimentary grants points with an explicit expiry.
// POST /api/merchants/{merchantID}/complimentary
func (h *Handler) Complimentary(w http.ResponseWriter, r *http.Request) {
	var req ComplimentaryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Complimentary(r.Context(), ledger.ComplimentaryRequest{
		MerchantID:    merchantID(r),
		CustomerID:    ledger.CustomerID(req.CustomerID),
		Amount:        req.Amount,
		ExpiresInDays: req.ExpiresInDays,
		Comment:       req.Comment,
	})
	if err != nil {
		writeDomainError(w, r, "Failed to grant complimentary points", err)
		return
	}
	writeJSON(w, http.StatusCreated, ResultDTO{TransactionID: string(res.TransactionID), Balance: res.Balance})
}

// CancelTransaction reverses an EARN or REDEEM.
// POST /api/merchants/{merchantID}/transactions/{id}/cancel
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	txID := ledger.TransactionID(chi.URLParam(r, "id"))
	res, err := h.Ledger.Cancel(r.Context(), merchantID(r), txID, req.Actor)
	if err != nil {
		writeDomainError(w, r, "Failed to cancel transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResultDTO{ReversalID: string(res.ReversalID), Balance: res.Balance})
}

// GetBalance returns a customer's balance.
// GET /api/merchants/{merchantID}/customers/{customerID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	mID := merchantID(r)
	cID := ledger.CustomerID(chi.URLParam(r, "customerID"))

	balance, err := h.Ledger.Balance(r.Context(), mID, cID)
	if err != nil {
		writeDomainError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{MerchantID: string(mID), CustomerID: string(cID), Balance: balance})
}

// GetTransactions lists journal entries, newest first.
// GET /api/merchants/{merchantID}/transactions?customerId=&type=&since=&limit=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	entries, err := h.Ledger.Transactions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, "Failed to list transactions", err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toTransactionDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExportTransactions streams the journal as CSV.
// GET /api/merchants/{merchantID}/transactions.csv
func (h *Handler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	entries, err := h.Ledger.Transactions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, "Failed to export transactions", err)
		return
	}
	writeCSVHeaders(w, "transactions.csv")
	if err := ledger.WriteJournalCSV(w, entries); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("journal export interrupted")
	}
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

// GetSettings returns the merchant settings.
// GET /api/merchants/{merchantID}/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Settings.MerchantSettings(r.Context(), merchantID(r))
	if err != nil {
		writeDomainError(w, r, "Failed to get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// PutSettings creates the merchant or replaces its settings.
// PUT /api/merchants/{merchantID}/settings
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var settings ledger.MerchantSettings
	if !decodeBody(w, r, &settings) {
		return
	}
	if err := h.Settings.SaveMerchant(r.Context(), merchantID(r), settings); err != nil {
		writeDomainError(w, r, "Failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// =============================================================================
// OUTBOX HANDLERS
// =============================================================================

// ListOutbox lists outbox events, newest first.
// GET /api/merchants/{merchantID}/outbox?status=&eventType=&since=&limit=&offset=
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	filter, err := outboxFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	events, err := h.Outbox.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, "Failed to list outbox events", err)
		return
	}
	dtos := make([]OutboxEventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, toOutboxEventDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExportOutbox streams outbox events as CSV.
// GET /api/merchants/{merchantID}/outbox.csv
func (h *Handler) ExportOutbox(w http.ResponseWriter, r *http.Request) {
	filter, err := outboxFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	events, err := h.Outbox.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, "Failed to export outbox events", err)
		return
	}
	writeCSVHeaders(w, "outbox.csv")
	if err := outbox.WriteCSV(w, events); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("outbox export interrupted")
	}
}

// OutboxStats returns counts per status and event type.
// GET /api/merchants/{merchantID}/outbox/stats?since=
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	since, err := timeParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	stats, err := h.Outbox.Stats(r.Context(), merchantID(r), since)
	if err != nil {
		writeDomainError(w, r, "Failed to get outbox stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RetryEvent re-queues one event.
// POST /api/merchants/{merchantID}/outbox/{eventID}/retry
func (h *Handler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	eventID := ledger.EventID(chi.URLParam(r, "eventID"))
	if err := h.Outbox.RetryOne(r.Context(), merchantID(r), eventID); err != nil {
		writeDomainError(w, r, "Failed to retry event", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Updated: 1})
}

// RetryAll re-queues events by status (default FAILED and DEAD).
// POST /api/merchants/{merchantID}/outbox/retry-all?status=
func (h *Handler) RetryAll(w http.ResponseWriter, r *http.Request) {
	status, err := statusParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	n, err := h.Outbox.RetryAll(r.Context(), merchantID(r), status)
	if err != nil {
		writeDomainError(w, r, "Failed to retry events", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Updated: n})
}

// RetrySince re-queues events created at or after since.
// POST /api/merchants/{merchantID}/outbox/retry-since?status=&since=
func (h *Handler) RetrySince(w http.ResponseWriter, r *http.Request) {
	status, err := statusParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	since, err := timeParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	n, err := h.Outbox.RetrySince(r.Context(), merchantID(r), status, since)
	if err != nil {
		writeDomainError(w, r, "Failed to retry events", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Updated: n})
}

// PauseOutbox holds delivery for the merchant.
// POST /api/merchants/{merchantID}/outbox/pause
func (h *Handler) PauseOutbox(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	n, err := h.Outbox.Pause(r.Context(), merchantID(r), req.Until)
	if err != nil {
		writeDomainError(w, r, "Failed to pause outbox", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Updated: n})
}

// ResumeOutbox resumes delivery for the merchant.
// POST /api/merchants/{merchantID}/outbox/resume
func (h *Handler) ResumeOutbox(w http.ResponseWriter, r *http.Request) {
	n, err := h.Outbox.Resume(r.Context(), merchantID(r))
	if err != nil {
		writeDomainError(w, r, "Failed to resume outbox", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Updated: n})
}

// =============================================================================
// TTL HANDLERS
// =============================================================================

// GetReconciliation returns the TTL reconciliation report.
// GET /api/merchants/{merchantID}/ttl/reconciliation?cutoff=&onlyDiff=
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	cutoff, onlyDiff, err := reconciliationParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	report, err := h.Reconciler.Reconcile(r.Context(), merchantID(r), cutoff)
	if err != nil {
		writeDomainError(w, r, "Failed to reconcile", err)
		return
	}
	if onlyDiff {
		report = report.OnlyDiff()
	}
	writeJSON(w, http.StatusOK, report)
}

// ExportReconciliation streams the reconciliation report as CSV.
// GET /api/merchants/{merchantID}/ttl/reconciliation.csv?cutoff=&onlyDiff=
func (h *Handler) ExportReconciliation(w http.ResponseWriter, r *http.Request) {
	cutoff, onlyDiff, err := reconciliationParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	report, err := h.Reconciler.Reconcile(r.Context(), merchantID(r), cutoff)
	if err != nil {
		writeDomainError(w, r, "Failed to reconcile", err)
		return
	}
	if onlyDiff {
		report = report.OnlyDiff()
	}
	writeCSVHeaders(w, "ttl-reconciliation.csv")
	if err := ttl.WriteCSV(w, report); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("reconciliation export interrupted")
	}
}

// Healthz reports whether the datastore is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Datastore unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func merchantID(r *http.Request) ledger.MerchantID {
	return ledger.MerchantID(chi.URLParam(r, "merchantID"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339: %w", name, err)
	}
	return &t, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func statusParam(r *http.Request) (*ledger.EventStatus, error) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return nil, nil
	}
	s := ledger.EventStatus(strings.ToUpper(v))
	if !s.Valid() {
		return nil, fmt.Errorf("unknown status %q", v)
	}
	return &s, nil
}

func entryFilter(r *http.Request) (ledger.EntryFilter, error) {
	q := r.URL.Query()
	f := ledger.EntryFilter{
		MerchantID: merchantID(r),
		CustomerID: ledger.CustomerID(q.Get("customerId")),
		Type:       ledger.EntryType(strings.ToUpper(q.Get("type"))),
	}
	var err error
	if f.Since, err = timeParam(r, "since"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func outboxFilter(r *http.Request) (outbox.Filter, error) {
	q := r.URL.Query()
	f := outbox.Filter{
		MerchantID: merchantID(r),
		EventType:  ledger.EventType(q.Get("eventType")),
	}
	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, ledger.EventStatus(strings.ToUpper(s)))
			}
		}
	}
	var err error
	if f.Since, err = timeParam(r, "since"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func reconciliationParams(r *http.Request) (time.Time, bool, error) {
	cutoff, err := timeParam(r, "cutoff")
	if err != nil {
		return time.Time{}, false, err
	}
	if cutoff == nil {
		return time.Time{}, false, fmt.Errorf("cutoff is required")
	}
	onlyDiff := false
	if v := r.URL.Query().Get("onlyDiff"); v != "" {
		if onlyDiff, err = strconv.ParseBool(v); err != nil {
			return time.Time{}, false, fmt.Errorf("onlyDiff must be a boolean")
		}
	}
	return *cutoff, onlyDiff, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeCSVHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger error classes to HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
