/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  Wire-level shapes for the loyalty endpoints. Domain requests
  (loyalty.QuoteRequest etc.) already carry JSON tags; this file adds
  the envelopes that exist only at the HTTP boundary.

SEE ALSO:
  - handlers.go: producers and consumers of these types
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// BalanceResponse reports a wallet balance.
type BalanceResponse struct {
	MerchantID string `json:"merchantId"`
	CustomerID string `json:"customerId"`
	Balance    int64  `json:"balance"`
}

// HistoryResponse wraps the merged transaction listing.
type HistoryResponse struct {
	Items      []HistoryItemDTO `json:"items"`
	NextBefore *time.Time       `json:"nextBefore,omitempty"`
}

// HistoryItemDTO is one listing row.
type HistoryItemDTO struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Amount    int64      `json:"amount"`
	Pending   bool       `json:"pending,omitempty"`
	OrderID   string     `json:"orderId,omitempty"`
	MaturesAt *time.Time `json:"maturesAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func historyItemDTO(it loyalty.HistoryItem) HistoryItemDTO {
	return HistoryItemDTO{
		ID:        it.ID,
		Type:      string(it.Type),
		Amount:    it.Amount,
		Pending:   it.Pending,
		OrderID:   it.OrderID,
		MaturesAt: it.MaturesAt,
		CreatedAt: it.CreatedAt,
	}
}

// CancelRequest closes an open hold.
type CancelRequest struct {
	MerchantID string `json:"merchantId"`
	HoldID     string `json:"holdId"`
}

// RegistrationBonusRequest grants the merchant's sign-up bonus.
type RegistrationBonusRequest struct {
	MerchantID string `json:"merchantId"`
	CustomerID string `json:"customerId"`
}

// RegistrationBonusResponse reports the resulting balance.
type RegistrationBonusResponse struct {
	CustomerID string `json:"customerId"`
	Balance    int64  `json:"balance"`
}

// SettingsDTO is the admin view of merchant settings. Secrets are
// write-only: they are accepted on PUT and blanked on GET.
type SettingsDTO struct {
	MerchantID              string `json:"merchantId"`
	EarnBps                 int64  `json:"earnBps"`
	RedeemLimitBps          int64  `json:"redeemLimitBps"`
	RedeemCooldownSec       int64  `json:"redeemCooldownSec"`
	EarnCooldownSec         int64  `json:"earnCooldownSec"`
	RedeemDailyCap          int64  `json:"redeemDailyCap"`
	EarnDailyCap            int64  `json:"earnDailyCap"`
	EarnDelayDays           int    `json:"earnDelayDays"`
	PointsTTLDays           int    `json:"pointsTtlDays"`
	MinPayment              int64  `json:"minPayment"`
	AllowSameReceipt        bool   `json:"allowEarnRedeemSameReceipt"`
	RequireJWTForQuote      bool   `json:"requireJwtForQuote"`
	LedgerEnabled           bool   `json:"ledgerEnabled"`
	LotsEnabled             bool   `json:"lotsEnabled"`
	QRTTLSec                int64  `json:"qrTtlSec"`
	RegistrationBonusPoints int64  `json:"registrationBonusPoints"`

	QRSecret          string `json:"qrSecret,omitempty"`
	WebhookSecret     string `json:"webhookSecret,omitempty"`
	WebhookKeyID      string `json:"webhookKeyId,omitempty"`
	WebhookSecretNext string `json:"webhookSecretNext,omitempty"`
	WebhookKeyIDNext  string `json:"webhookKeyIdNext,omitempty"`
	UseWebhookNext    bool   `json:"useWebhookNext"`
}

func settingsFromDTO(d SettingsDTO) loyalty.MerchantSettings {
	return loyalty.MerchantSettings{
		MerchantID:              d.MerchantID,
		EarnBps:                 d.EarnBps,
		RedeemLimitBps:          d.RedeemLimitBps,
		RedeemCooldownSec:       d.RedeemCooldownSec,
		EarnCooldownSec:         d.EarnCooldownSec,
		RedeemDailyCap:          d.RedeemDailyCap,
		EarnDailyCap:            d.EarnDailyCap,
		EarnDelayDays:           d.EarnDelayDays,
		PointsTTLDays:           d.PointsTTLDays,
		MinPayment:              d.MinPayment,
		AllowSameReceipt:        d.AllowSameReceipt,
		RequireJWTForQuote:      d.RequireJWTForQuote,
		LedgerEnabled:           d.LedgerEnabled,
		LotsEnabled:             d.LotsEnabled,
		QRSecret:                d.QRSecret,
		QRTTLSec:                d.QRTTLSec,
		WebhookSecret:           d.WebhookSecret,
		WebhookKeyID:            d.WebhookKeyID,
		WebhookSecretNext:       d.WebhookSecretNext,
		WebhookKeyIDNext:        d.WebhookKeyIDNext,
		UseWebhookNext:          d.UseWebhookNext,
		RegistrationBonusPoints: d.RegistrationBonusPoints,
	}
}

func settingsToDTO(s loyalty.MerchantSettings) SettingsDTO {
	return SettingsDTO{
		MerchantID:              s.MerchantID,
		EarnBps:                 s.EarnBps,
		RedeemLimitBps:          s.RedeemLimitBps,
		RedeemCooldownSec:       s.RedeemCooldownSec,
		EarnCooldownSec:         s.EarnCooldownSec,
		RedeemDailyCap:          s.RedeemDailyCap,
		EarnDailyCap:            s.EarnDailyCap,
		EarnDelayDays:           s.EarnDelayDays,
		PointsTTLDays:           s.PointsTTLDays,
		MinPayment:              s.MinPayment,
		AllowSameReceipt:        s.AllowSameReceipt,
		RequireJWTForQuote:      s.RequireJWTForQuote,
		LedgerEnabled:           s.LedgerEnabled,
		LotsEnabled:             s.LotsEnabled,
		QRTTLSec:                s.QRTTLSec,
		RegistrationBonusPoints: s.RegistrationBonusPoints,
		WebhookKeyID:            s.WebhookKeyID,
		UseWebhookNext:          s.UseWebhookNext,
		// QRSecret / webhook secrets intentionally omitted on reads.
	}
}
