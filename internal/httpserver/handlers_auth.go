package httpserver

import (
	"errors"
	"net/http"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/walletauth"
	"github.com/paylane/inference-gateway/pkg/responders"
)

type authNonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// authNonce answers POST /auth/nonce (spec.md §6, free endpoint): issues a
// one-shot nonce the caller signs with their wallet key to redeem a
// session token at /auth/verify.
func (h handlers) authNonce(w http.ResponseWriter, r *http.Request) {
	nonce, message, err := h.wallet.IssueNonce(r.Context())
	if err != nil {
		apierrors.New(apierrors.CodeInternal, "failed to issue nonce").Write(w)
		return
	}
	responders.JSON(w, http.StatusOK, authNonceResponse{Nonce: nonce, Message: message})
}

type authVerifyRequest struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

type authVerifyResponse struct {
	Token         string `json:"token"`
	WalletAddress string `json:"wallet_address"`
	ExpiresIn     int64  `json:"expires_in"`
}

// authVerify answers POST /auth/verify (spec.md §6, free endpoint):
// redeems a signed nonce for a bearer session token good for the
// session-authenticated /keys CRUD surface.
func (h handlers) authVerify(w http.ResponseWriter, r *http.Request) {
	var req authVerifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.New(apierrors.CodeInvalidRequest, "malformed request body").Write(w)
		return
	}
	if req.Nonce == "" || req.Signature == "" || req.Signer == "" {
		apierrors.New(apierrors.CodeInvalidRequest, "nonce, signature, and signer are required").Write(w)
		return
	}

	token, session, err := h.wallet.VerifyAndIssueSession(r.Context(), req.Nonce, req.Signature, req.Signer)
	if err != nil {
		switch {
		case errors.Is(err, walletauth.ErrNonceNotFound):
			apierrors.New(apierrors.CodeInvalidRequest, "nonce not found or already consumed").Write(w)
		case errors.Is(err, walletauth.ErrInvalidSignature):
			apierrors.New(apierrors.CodeUnauthorized, "signature verification failed").Write(w)
		default:
			apierrors.New(apierrors.CodeInternal, "failed to verify session").Write(w)
		}
		return
	}

	responders.JSON(w, http.StatusOK, authVerifyResponse{
		Token:         token,
		WalletAddress: session.WalletAddress,
		ExpiresIn:     int64(walletauth.SessionTTL.Seconds()),
	})
}
