/*
handlers.go - HTTP handlers for the loyalty API

PURPOSE:
  Exposes the loyalty engine via REST. Handles HTTP parsing, JSON
  serialization, idempotency keys, response signing, and delegates to
  the domain logic.

ENDPOINTS:
  POST /api/loyalty/quote                      Quote + open a hold
  POST /api/loyalty/commit                     Settle a hold (idempotent)
  POST /api/loyalty/cancel                     Cancel an open hold
  POST /api/loyalty/refund                     Reverse a receipt (idempotent)
  POST /api/loyalty/registration-bonus         One-shot sign-up grant
  GET  /api/loyalty/balance/{m}/{c}            Wallet balance
  GET  /api/loyalty/transactions/{m}/{c}       Merged history
  GET  /api/admin/settings/{m}                 Read merchant settings
  PUT  /api/admin/settings/{m}                 Write merchant settings

IDEMPOTENCY:
  Commit and refund read the Idempotency-Key header. The stored
  response is replayed byte-identical, including on retries.

RESPONSE SIGNING:
  Successful commit/refund responses carry the detached HMAC headers
  (X-Loyalty-Signature, X-Merchant-Id, X-Signature-Timestamp,
  X-Signature-Key-Id) when the merchant has a webhook secret.

ERROR HANDLING:
  JSON errors with mapped statuses:
  - 400: validation, malformed tokens
  - 404: wallet/hold/receipt/merchant not found
  - 409: state conflicts, idempotency conflicts, replayed tokens
  - 422: insufficient balance, limit exceeded
  - 500: internal errors, ledger inconsistency

SEE ALSO:
  - dto.go: wire shapes
  - server.go: routing and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/loyalty"
)

const idempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies for the HTTP handlers.
type Handler struct {
	Engine   *loyalty.Engine
	Store    loyalty.Store
	Settings *cache.Settings
	tracer   trace.Tracer
}

// NewHandler wires a handler over the engine and store.
func NewHandler(engine *loyalty.Engine, store loyalty.Store, settings *cache.Settings) *Handler {
	return &Handler{
		Engine:   engine,
		Store:    store,
		Settings: settings,
		tracer:   otel.Tracer("loyalty-api"),
	}
}

// =============================================================================
// QUOTE / CANCEL
// =============================================================================

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "loyalty.quote")
	defer span.End()

	var req loyalty.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	span.SetAttributes(attribute.String("merchant.id", req.MerchantID))

	res, err := h.Engine.Quote(ctx, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "loyalty.cancel")
	defer span.End()

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.HoldID == "" || req.MerchantID == "" {
		writeError(w, http.StatusBadRequest, "merchantId and holdId are required", nil)
		return
	}
	if err := h.Engine.Cancel(ctx, req.MerchantID, req.HoldID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// =============================================================================
// COMMIT / REFUND - idempotent, signed
// =============================================================================

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "loyalty.commit")
	defer span.End()

	var req loyalty.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	span.SetAttributes(
		attribute.String("merchant.id", req.MerchantID),
		attribute.String("order.id", req.OrderID),
	)

	key := r.Header.Get(idempotencyHeader)
	body, _, err := loyalty.RunIdempotent(ctx, h.Store, req.MerchantID, loyalty.ScopeCommit,
		key, loyalty.Fingerprint(req),
		func(ctx context.Context) ([]byte, error) {
			res, err := h.Engine.Commit(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.signAndWrite(ctx, w, req.MerchantID, body)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "loyalty.refund")
	defer span.End()

	var req loyalty.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	span.SetAttributes(
		attribute.String("merchant.id", req.MerchantID),
		attribute.String("order.id", req.OrderID),
	)

	key := r.Header.Get(idempotencyHeader)
	body, _, err := loyalty.RunIdempotent(ctx, h.Store, req.MerchantID, loyalty.ScopeRefund,
		key, loyalty.Fingerprint(req),
		func(ctx context.Context) ([]byte, error) {
			res, err := h.Engine.Refund(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.signAndWrite(ctx, w, req.MerchantID, body)
}

// signAndWrite attaches the signature headers and writes the stored
// response bytes verbatim, so replays stay byte-identical.
func (h *Handler) signAndWrite(ctx context.Context, w http.ResponseWriter, merchantID string, body []byte) {
	settings, err := h.Settings.Get(ctx, merchantID)
	if err == nil {
		if sig, ok := loyalty.Sign(loyalty.SecretsFrom(*settings), body, time.Now()); ok {
			w.Header().Set("X-Loyalty-Signature", sig.Header)
			w.Header().Set("X-Merchant-Id", merchantID)
			w.Header().Set("X-Signature-Timestamp", strconv.FormatInt(sig.Timestamp, 10))
			if sig.KeyID != "" {
				w.Header().Set("X-Signature-Key-Id", sig.KeyID)
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// =============================================================================
// READS
// =============================================================================

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	customerID := chi.URLParam(r, "customerID")

	balance, err := h.Engine.Balance(r.Context(), merchantID, customerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		MerchantID: merchantID,
		CustomerID: customerID,
		Balance:    balance,
	})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	customerID := chi.URLParam(r, "customerID")

	var before *time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid before cursor (use RFC3339)", err)
			return
		}
		before = &t
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	items, err := h.Engine.History(r.Context(), merchantID, customerID, before, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := HistoryResponse{Items: make([]HistoryItemDTO, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, historyItemDTO(it))
	}
	if len(items) == limit && limit > 0 {
		last := items[len(items)-1].CreatedAt
		resp.NextBefore = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// GRANTS
// =============================================================================

func (h *Handler) RegistrationBonus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "loyalty.registration_bonus")
	defer span.End()

	var req RegistrationBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MerchantID == "" || req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "merchantId and customerId are required", nil)
		return
	}
	balance, err := h.Engine.GrantRegistrationBonus(ctx, req.MerchantID, req.CustomerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegistrationBonusResponse{
		CustomerID: req.CustomerID,
		Balance:    balance,
	})
}

// =============================================================================
// ADMIN SETTINGS
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	s, err := h.Store.Settings().Get(r.Context(), merchantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsToDTO(*s))
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	var dto SettingsDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dto.MerchantID = merchantID
	s := settingsFromDTO(dto)

	// Preserve secrets the caller left blank instead of wiping them.
	if existing, err := h.Store.Settings().Get(r.Context(), merchantID); err == nil {
		if s.QRSecret == "" {
			s.QRSecret = existing.QRSecret
		}
		if s.WebhookSecret == "" {
			s.WebhookSecret = existing.WebhookSecret
		}
		if s.WebhookSecretNext == "" {
			s.WebhookSecretNext = existing.WebhookSecretNext
		}
	}

	if err := h.Store.Settings().Put(r.Context(), &s); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings", err)
		return
	}
	h.Settings.Invalidate(r.Context(), merchantID)
	writeJSON(w, http.StatusOK, settingsToDTO(s))
}

// =============================================================================
// ERROR MAPPING AND JSON HELPERS
// =============================================================================

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, loyalty.ErrValidation) || errors.Is(err, loyalty.ErrTokenInvalid):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case loyalty.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, loyalty.ErrInsufficientBalance) || errors.Is(err, loyalty.ErrLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, "Points constraint violated", err)
	case loyalty.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
