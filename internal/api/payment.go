package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/middleware"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

// Payment retry headers.
const (
	HeaderPaymentReceipt = "X-Payment-Receipt"
	HeaderPaymentNonce   = "X-Payment-Nonce"
)

// Challenge is the payable offer inside a 402 response.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Amount    string `json:"amount"` // micro-USD decimal string
	Recipient string `json:"recipient"`
	ChainID   int64  `json:"chain_id"`
	ExpiresAt int64  `json:"expires_at"` // unix ms
	HMAC      string `json:"hmac"`
}

type challengeBody struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Challenge Challenge `json:"challenge"`
}

func challengeKey(nonce string) string { return "x402:challenge:" + nonce }

// signChallenge binds the challenge fields so the retry cannot alter them.
func (s *Server) signChallenge(c Challenge) string {
	mac := hmac.New(sha256.New, s.cfg.ChallengeSecret)
	fmt.Fprintf(mac, "%s|%s|%s|%d|%d", c.Nonce, c.Amount, c.Recipient, c.ChainID, c.ExpiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// reserveOrChallenge attempts the reservation; on insufficient funds it
// either settles a presented payment receipt and retries once, or emits a
// 402 challenge. Returns ok=false when it already wrote the response.
func (s *Server) reserveOrChallenge(w http.ResponseWriter, r *http.Request, tn *tenant.Tenant, traceID string, quote money.MicroUSD) (billing.Reservation, bool) {
	req := billing.ReserveRequest{
		UserID:   tn.ID,
		TenantID: tn.ID,
		TraceID:  traceID,
		MaxCost:  quote,
	}

	reservation, err := s.engine.Reserve(r.Context(), req)
	if err == nil {
		return reservation, true
	}
	if errors.Is(err, billing.ErrDegraded) {
		middleware.WriteError(w, http.StatusServiceUnavailable, "BILLING_DEGRADED",
			"billing store unavailable, request refused")
		return billing.Reservation{}, false
	}
	if !errors.Is(err, billing.ErrInsufficientFunds) {
		s.logger.Error("reserve failed", "tenant_id", tn.ID, "error", err)
		middleware.WriteError(w, http.StatusInternalServerError, "RESERVE_FAILED", "reserve failed")
		return billing.Reservation{}, false
	}

	// Shortfall path: a presented receipt can top the wallet up in-band.
	if nonce := r.Header.Get(HeaderPaymentNonce); nonce != "" {
		if s.settleReceipt(r, tn, nonce, r.Header.Get(HeaderPaymentReceipt)) {
			reservation, err = s.engine.Reserve(r.Context(), req)
			if err == nil {
				return reservation, true
			}
		}
	}

	s.writeChallenge(w, r, tn, quote)
	return billing.Reservation{}, false
}

// writeChallenge emits the 402 body. The challenge is cached under its
// nonce so the retry can be validated without trusting client fields.
func (s *Server) writeChallenge(w http.ResponseWriter, r *http.Request, tn *tenant.Tenant, amount money.MicroUSD) {
	c := Challenge{
		Nonce:     uuid.NewString(),
		Amount:    amount.String(),
		Recipient: s.cfg.PaymentWallet,
		ChainID:   s.cfg.PaymentChain,
		ExpiresAt: s.cfg.Clock().Add(s.cfg.ChallengeTTL).UnixMilli(),
	}
	c.HMAC = s.signChallenge(c)

	raw, _ := json.Marshal(c)
	if err := s.cache.Set(r.Context(), challengeKey(c.Nonce), string(raw), s.cfg.ChallengeTTL); err != nil {
		s.logger.Warn("challenge not cached, retry will fail", "nonce", c.Nonce, "error", err)
	}

	writeJSON(w, http.StatusPaymentRequired, challengeBody{
		Error:     "insufficient funds for tenant " + tn.ID,
		Code:      "INSUFFICIENT_FUNDS",
		Challenge: c,
	})
}

// settleReceipt validates a challenge receipt and converts it into spendable
// balance: replay-guarded payment record, credit note, then a mint covering
// the consumed notes. Any failure leaves the wallet untouched.
func (s *Server) settleReceipt(r *http.Request, tn *tenant.Tenant, nonce, receipt string) bool {
	if receipt == "" {
		return false
	}
	raw, found, err := s.cache.Get(r.Context(), challengeKey(nonce))
	if err != nil || !found {
		return false // expired, unknown, or cache down: fail closed
	}
	var c Challenge
	if json.Unmarshal([]byte(raw), &c) != nil {
		return false
	}
	if !hmac.Equal([]byte(receipt), []byte(s.signChallenge(c))) {
		s.logger.Warn("payment receipt hmac mismatch", "tenant_id", tn.ID, "nonce", nonce)
		return false
	}
	if s.cfg.Clock().UnixMilli() > c.ExpiresAt {
		return false
	}

	amount, err := money.Parse(c.Amount)
	if err != nil {
		return false
	}
	paymentID := billing.PaymentID(c.Nonce, tn.ID, c.Amount, c.ChainID)
	if err := s.engine.RecordPayment(r.Context(), billing.PaymentRecord{
		PaymentID: paymentID,
		Wallet:    tn.ID,
		Amount:    c.Amount,
		ChainID:   c.ChainID,
	}, 24*s.cfg.ChallengeTTL); err != nil {
		s.logger.Warn("payment rejected", "tenant_id", tn.ID, "error", err)
		return false
	}

	if _, err := s.engine.IssueCreditNote(r.Context(), tn.ID, amount, paymentID); err != nil {
		s.logger.Error("credit note issuance failed", "tenant_id", tn.ID, "error", err)
		return false
	}
	applied, err := s.engine.ApplyCreditNotes(r.Context(), tn.ID, amount)
	if err != nil || applied.Reduced.IsZero() {
		return false
	}
	if err := s.engine.CreditMint(r.Context(), tn.ID, applied.Reduced, paymentID); err != nil {
		s.logger.Error("credit mint failed", "tenant_id", tn.ID, "error", err)
		return false
	}

	s.cache.Del(r.Context(), challengeKey(nonce))
	s.logger.Info("payment settled",
		"tenant_id", tn.ID, "amount", applied.Reduced.String(), "payment_id", paymentID)
	return true
}
