package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/billing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/middleware"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/pricing"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/provider"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/stream"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/tenant"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true }, // origin policy enforced at the gateway
}

// wsFrame is one message sent to the streaming client.
type wsFrame struct {
	Type     string                `json:"type"` // chunk | tool_call | usage | done | error
	Delta    string                `json:"delta,omitempty"`
	ToolCall *stream.ToolCallDelta `json:"tool_call,omitempty"`
	Usage    *stream.Usage         `json:"usage,omitempty"`
	Error    string                `json:"error,omitempty"`
	Billing  *BillingSummary       `json:"billing,omitempty"` // on the done frame
}

// handleStream upgrades to WebSocket, burns the token's jti, reads one
// CompleteRequest frame, and streams the completion with cost tracking.
// Client disconnects abort the stream but still settle a terminal cost.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tn, err := tenant.FromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, middleware.CodeAuthRequired, "no tenant")
		return
	}

	// One upgrade per token: WebSocket requests cannot carry req_hash
	// (no body), so the jti guard is the replay defense here.
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		if err := s.jti.Check(r.Context(), claims.ID); err != nil {
			middleware.WriteError(w, http.StatusUnauthorized, middleware.CodeAuthInvalid, "token already used")
			return
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the failure
	}
	defer conn.Close()

	var req CompleteRequest
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&req); err != nil {
		writeWSError(conn, "BAD_REQUEST", "malformed request frame")
		return
	}
	if len(req.Messages) == 0 {
		writeWSError(conn, "BAD_REQUEST", "messages must not be empty")
		return
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	pool, binding, client, ok := s.resolveStreamPool(conn, tn, req.Pool)
	if !ok {
		return
	}
	if s.admission != nil && !s.admission.ShouldAllowRequest(tn.ID) {
		writeWSError(conn, "ADMISSION_DENIED", "spend is suspended while budget sync recovers")
		return
	}

	entry, pricingErr := s.pricing.Find(binding.Provider, binding.Model)
	promptTokens := provider.EstimateMessageTokens(req.Messages)
	maxCompletion := s.cfg.MaxCompletion
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxCompletion = *req.MaxTokens
	}

	var reservation billing.Reservation
	reserved := false
	if pricingErr == nil {
		quote, err := billing.Quote(entry, promptTokens, maxCompletion, s.cfg.Margin)
		if err != nil {
			writeWSError(conn, "QUOTE_FAILED", "cost quote failed")
			return
		}
		reservation, err = s.engine.Reserve(r.Context(), billing.ReserveRequest{
			UserID:   tn.ID,
			TenantID: tn.ID,
			TraceID:  req.TraceID,
			MaxCost:  quote,
		})
		if err != nil {
			// The 402 challenge dance needs HTTP semantics; streaming
			// clients top up over the REST endpoint first.
			writeWSError(conn, "INSUFFICIENT_FUNDS", "reserve failed: "+err.Error())
			return
		}
		reserved = true
	}

	maxTokensInt := int(maxCompletion)
	upstream, err := client.Stream(r.Context(), provider.Request{
		Model:       binding.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   &maxTokensInt,
		Stop:        req.Stop,
	})
	if err != nil {
		if reserved {
			s.engine.Finalize(r.Context(), reservation.ID, money.Zero())
		}
		writeWSError(conn, "PROVIDER_ERROR", "upstream stream failed")
		return
	}

	var entryPtr *pricing.Entry
	if pricingErr == nil {
		entryPtr = &entry
	}
	tracker := stream.NewCostTracker(r.Context(), upstream, entryPtr, promptTokens)

	disconnected := false
	for ev := range tracker.Events() {
		if disconnected {
			continue // keep draining so the tracker terminates
		}
		if err := conn.WriteJSON(frameFor(ev)); err != nil {
			disconnected = true
		}
	}

	// Terminal attribution. Aborted streams pay the overcounted estimate
	// so lossy disconnects never undercharge.
	result := tracker.Result()
	if tracker.WasAborted() || disconnected {
		result = tracker.OvercountResult(true)
	}
	metrics.StreamBillingMethod.WithLabelValues(string(result.Method)).Inc()

	summary := BillingSummary{ActualMicro: result.Cost.String(), Method: string(result.Method)}
	if reserved {
		summary.ReservationID = reservation.ID
		summary.ReservedMicro = reservation.MaxCost.String()
		fin, err := s.engine.Finalize(r.Context(), reservation.ID, result.Cost)
		if err != nil {
			s.logger.Error("stream finalize failed", "reservation_id", reservation.ID, "error", err)
		} else if fin.Outcome == billing.OutcomeDLQ {
			summary.Settlement = "dlq"
		}
		if s.admission != nil {
			s.admission.RecordLocalSpend(tn.ID, result.Cost)
		}
	}
	if s.usage != nil {
		s.usage.Record(r.Context(), billing.UsageReport{
			RequestID:        req.TraceID,
			TenantID:         tn.ID,
			Provider:         binding.Provider,
			Model:            binding.Model,
			BillingMethod:    string(result.Method),
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			ReasoningTokens:  result.ReasoningTokens,
			CostMicro:        result.Cost.String(),
			WasAborted:       result.WasAborted,
		})
	}

	s.logger.Info("stream settled",
		"trace_id", req.TraceID,
		"tenant_id", tn.ID,
		"pool", pool,
		"method", result.Method,
		"cost", result.Cost.String(),
		"aborted", result.WasAborted)

	if !disconnected {
		conn.WriteJSON(wsFrame{Type: "done", Billing: &summary})
	}
}

// resolveStreamPool mirrors resolvePool with WebSocket error frames.
func (s *Server) resolveStreamPool(conn *websocket.Conn, tn *tenant.Tenant, requested string) (money.PoolID, PoolBinding, *provider.Client, bool) {
	rec := &wsErrorRecorder{}
	pool, binding, client, ok := s.resolvePool(rec, tn, requested)
	if !ok {
		writeWSError(conn, rec.code, rec.message)
		return "", PoolBinding{}, nil, false
	}
	return pool, binding, client, true
}

// wsErrorRecorder captures the error resolvePool would have written to an
// HTTP response so it can be re-shaped as a WebSocket frame.
type wsErrorRecorder struct {
	code    string
	message string
}

func (rec *wsErrorRecorder) Header() http.Header { return http.Header{} }

func (rec *wsErrorRecorder) WriteHeader(int) {}

func (rec *wsErrorRecorder) Write(body []byte) (int, error) {
	var eb middleware.ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		rec.code = eb.Code
		rec.message = eb.Error
	}
	return len(body), nil
}

func frameFor(ev stream.Event) wsFrame {
	switch ev.Type {
	case stream.EventChunk:
		return wsFrame{Type: "chunk", Delta: ev.Delta}
	case stream.EventToolCall:
		return wsFrame{Type: "tool_call", ToolCall: ev.ToolCall}
	case stream.EventUsage:
		return wsFrame{Type: "usage", Usage: ev.Usage}
	case stream.EventError:
		msg := "stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return wsFrame{Type: "error", Error: msg}
	default:
		return wsFrame{Type: "done"}
	}
}

func writeWSError(conn *websocket.Conn, code, message string) {
	conn.WriteJSON(wsFrame{Type: "error", Error: message + " (" + code + ")"})
}
