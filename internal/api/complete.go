package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/middleware"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/pricing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/provider"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/routing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/stream"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

// CompleteRequest is the body of POST /v1/complete.
type CompleteRequest struct {
	Pool        string             `json:"pool,omitempty"` // empty: router picks
	Messages    []provider.Message `json:"messages"`
	MaxTokens   *int64             `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	TraceID     string             `json:"trace_id,omitempty"`
}

// BillingSummary is attached to every billed response.
type BillingSummary struct {
	ReservationID string `json:"reservation_id,omitempty"`
	ReservedMicro string `json:"reserved_micro,omitempty"`
	ActualMicro   string `json:"actual_micro"`
	Method        string `json:"method"`
	Settlement    string `json:"settlement,omitempty"` // "dlq" when deferred
}

// CompleteResponse is the success body of POST /v1/complete.
type CompleteResponse struct {
	ID        string              `json:"id"`
	Pool      string              `json:"pool"`
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	Content   string              `json:"content"`
	ToolCalls []provider.ToolCall `json:"tool_calls,omitempty"`
	Usage     *stream.Usage       `json:"usage,omitempty"`
	Billing   BillingSummary      `json:"billing"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	tn, err := tenant.FromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, middleware.CodeAuthRequired, "no tenant")
		return
	}

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "messages must not be empty")
		return
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	pool, binding, client, ok := s.resolvePool(w, tn, req.Pool)
	if !ok {
		return
	}

	if s.admission != nil && !s.admission.ShouldAllowRequest(tn.ID) {
		middleware.WriteError(w, http.StatusServiceUnavailable, "ADMISSION_DENIED",
			"spend is suspended while budget sync recovers")
		return
	}

	entry, pricingErr := s.pricing.Find(binding.Provider, binding.Model)
	promptTokens := provider.EstimateMessageTokens(req.Messages)
	maxCompletion := s.cfg.MaxCompletion
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxCompletion = *req.MaxTokens
	}

	// No pricing entry: the pool is unbilled and no reservation is taken.
	var reservation billing.Reservation
	reserved := false
	if pricingErr == nil {
		quote, err := billing.Quote(entry, promptTokens, maxCompletion, s.cfg.Margin)
		if err != nil {
			s.logger.Error("quote failed", "pool", pool, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, "QUOTE_FAILED", "cost quote failed")
			return
		}
		reservation, ok = s.reserveOrChallenge(w, r, tn, req.TraceID, quote)
		if !ok {
			return
		}
		reserved = true
	}

	maxTokensInt := int(maxCompletion)
	resp, err := client.Complete(r.Context(), provider.Request{
		Model:       binding.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   &maxTokensInt,
		Stop:        req.Stop,
	})
	if err != nil {
		if reserved {
			// Nothing was consumed; release the hold.
			if _, relErr := s.engine.Finalize(r.Context(), reservation.ID, money.Zero()); relErr != nil {
				s.logger.Error("release after provider failure failed",
					"reservation_id", reservation.ID, "error", relErr)
			}
		}
		s.writeProviderError(w, err)
		return
	}
	if len(resp.Choices) == 0 {
		if reserved {
			s.engine.Finalize(r.Context(), reservation.ID, money.Zero())
		}
		middleware.WriteError(w, http.StatusBadGateway, "PROVIDER_ERROR", "provider returned no choices")
		return
	}
	choice := resp.Choices[0]

	actual, method := settleCost(entry, pricingErr == nil, promptTokens, choice.Message.Content, resp.Usage)
	summary := BillingSummary{ActualMicro: actual.String(), Method: string(method)}
	if reserved {
		summary.ReservationID = reservation.ID
		summary.ReservedMicro = reservation.MaxCost.String()
		result, err := s.engine.Finalize(r.Context(), reservation.ID, actual)
		if err != nil {
			s.logger.Error("finalize failed", "reservation_id", reservation.ID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, "SETTLEMENT_FAILED", "billing settlement failed")
			return
		}
		if result.Outcome == billing.OutcomeDLQ {
			summary.Settlement = "dlq"
		}
		if s.admission != nil {
			s.admission.RecordLocalSpend(tn.ID, actual)
		}
	}

	requestID := resp.ID
	if requestID == "" {
		requestID = req.TraceID
	}
	if s.usage != nil {
		rep := billing.UsageReport{
			RequestID:     requestID,
			TenantID:      tn.ID,
			Provider:      binding.Provider,
			Model:         binding.Model,
			BillingMethod: string(method),
			PromptTokens:  promptTokens,
			CostMicro:     actual.String(),
		}
		if resp.Usage != nil {
			rep.PromptTokens = resp.Usage.PromptTokens
			rep.CompletionTokens = resp.Usage.CompletionTokens
			rep.ReasoningTokens = resp.Usage.ReasoningTokens
		}
		s.usage.Record(r.Context(), rep)
	}

	writeJSON(w, http.StatusOK, CompleteResponse{
		ID:        requestID,
		Pool:      string(pool),
		Provider:  binding.Provider,
		Model:     binding.Model,
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
		Usage:     resp.Usage,
		Billing:   summary,
	})
}

// resolvePool validates an explicit pool or asks the router for the best
// healthy one. Writes the error response itself on failure.
func (s *Server) resolvePool(w http.ResponseWriter, tn *tenant.Tenant, requested string) (money.PoolID, PoolBinding, *provider.Client, bool) {
	resolved := make([]money.PoolID, 0, len(tn.ResolvedPools))
	for _, p := range tn.ResolvedPools {
		if pool, err := money.ParsePool(p); err == nil {
			resolved = append(resolved, pool)
		}
	}

	if requested != "" {
		pool, err := money.ParsePool(requested)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "UNKNOWN_POOL", "unknown pool id "+requested)
			return "", PoolBinding{}, nil, false
		}
		allowed := false
		for _, p := range routing.AllowedPools(tn.Tier) {
			if p == pool {
				allowed = true
				break
			}
		}
		if !allowed {
			middleware.WriteError(w, http.StatusForbidden, "TIER_UNAUTHORIZED",
				"pool "+requested+" is not available on tier "+string(tn.Tier))
			return "", PoolBinding{}, nil, false
		}
		binding, client, err := s.binding(pool)
		if err != nil {
			s.logger.Error("pool binding missing", "pool", pool, "error", err)
			middleware.WriteError(w, http.StatusServiceUnavailable, "POOL_UNAVAILABLE", "pool has no upstream")
			return "", PoolBinding{}, nil, false
		}
		return pool, binding, client, true
	}

	ranked, err := routing.Select(tn.Tier, resolved, tn.Profile())
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "NO_ELIGIBLE_POOL", "no_eligible_pool")
		return "", PoolBinding{}, nil, false
	}
	for _, candidate := range ranked {
		binding, client, err := s.binding(candidate.Pool)
		if err != nil {
			continue
		}
		if !s.breakers.IsHealthy(binding.Provider, binding.Model) {
			continue
		}
		return candidate.Pool, binding, client, true
	}
	middleware.WriteError(w, http.StatusServiceUnavailable, "NO_ELIGIBLE_POOL",
		"every eligible pool is unavailable")
	return "", PoolBinding{}, nil, false
}

func (s *Server) writeProviderError(w http.ResponseWriter, err error) {
	var statusErr *provider.StatusError
	switch {
	case errors.Is(err, provider.ErrCircuitOpen):
		middleware.WriteError(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE",
			"provider temporarily unavailable")
	case errors.As(err, &statusErr):
		middleware.WriteError(w, http.StatusBadGateway, "PROVIDER_ERROR", statusErr.Body)
	default:
		middleware.WriteError(w, http.StatusBadGateway, "PROVIDER_ERROR", "provider call failed")
	}
}

// settleCost attributes the actual cost of a finished completion:
// provider-reported usage dominates, otherwise completion tokens are
// estimated from output bytes.
func settleCost(entry pricing.Entry, priced bool, promptEstimate int64, content string, usage *stream.Usage) (money.MicroUSD, stream.BillingMethod) {
	if !priced {
		return money.Zero(), stream.BillPromptOnly
	}
	if usage != nil {
		return entry.Cost(usage.PromptTokens, usage.CompletionTokens, usage.ReasoningTokens),
			stream.BillProviderReported
	}
	outputBytes := int64(len(content))
	if outputBytes == 0 {
		return entry.Cost(promptEstimate, 0, 0), stream.BillPromptOnly
	}
	bpt := int64(entry.EffectiveBytesPerToken())
	completionTokens := (outputBytes + bpt - 1) / bpt
	return entry.Cost(promptEstimate, completionTokens, 0), stream.BillByteEstimated
}
