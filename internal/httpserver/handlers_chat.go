package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/payment"
	"github.com/paylane/inference-gateway/pkg/responders"
)

type agentChatRequest struct {
	TokenID   string `json:"token_id"`
	Message   string `json:"message"`
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
}

type agentChatResponse struct {
	Completion string         `json:"completion"`
	Billing    billingSummary `json:"billing"`
}

type billingSummary struct {
	Method      string `json:"method"`
	RequestID   string `json:"request_id"`
	AmountMicro int64  `json:"amount_micro,omitempty"`
}

// agentChat answers POST /agent/chat (spec.md §6): the gateway's single
// payment-bearing operation. It runs the admission state machine, and on
// admission dispatches the call to the downstream provider, settling the
// decision once the outcome is known.
func (h handlers) agentChat(w http.ResponseWriter, r *http.Request) {
	var body agentChatRequest
	if err := decodeJSON(r.Body, &body); err != nil {
		apierrors.New(apierrors.CodeInvalidRequest, "malformed request body").Write(w)
		return
	}
	if body.Message == "" {
		apierrors.New(apierrors.CodeInvalidRequest, "message is required").Write(w)
		return
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 256
	}

	req := payment.Request{
		Method:        http.MethodPost,
		Path:          r.URL.Path,
		RemoteIP:      r.RemoteAddr,
		RequestID:     middleware.GetReqID(r.Context()),
		Authorization: r.Header.Get("Authorization"),
		ReceiptTxHash: r.Header.Get("X-Payment-Receipt"),
		ReceiptNonce:  r.Header.Get("X-Payment-Nonce"),
		TokenID:       body.TokenID,
		Model:         body.Model,
		MaxTokens:     body.MaxTokens,
	}

	decision, apiErr := h.engine.Decide(r.Context(), req)
	if apiErr != nil {
		apiErr.Write(w)
		return
	}

	completion, apiErr := h.dispatcher.Run(r.Context(), decision, body.Model, body.Message, body.MaxTokens)
	if apiErr != nil {
		apiErr.Write(w)
		return
	}

	responders.JSON(w, http.StatusOK, agentChatResponse{
		Completion: completion.Text,
		Billing: billingSummary{
			Method:      string(decision.Method),
			RequestID:   decision.RequestID,
			AmountMicro: decision.AmountMicro,
		},
	})
}
