package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/apikey"
	"github.com/paylane/inference-gateway/internal/walletauth"
	"github.com/paylane/inference-gateway/pkg/responders"
)

type sessionContextKey struct{}

// requireSession gates the /keys CRUD surface behind a bearer session
// token minted by POST /auth/verify, storing the redeemed wallet address
// in the request context for the handlers below.
func (h handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			apierrors.New(apierrors.CodeUnauthorized, "missing session token").Write(w)
			return
		}
		session, err := h.wallet.VerifyToken(token)
		if err != nil {
			apierrors.New(apierrors.CodeUnauthorized, "invalid or expired session token").Write(w)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (walletauth.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(walletauth.Session)
	return s, ok
}

type createKeyResponse struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
}

// createKey answers POST /keys (spec.md §6, session-authenticated):
// mints an API key credential scoped to the caller's wallet address.
func (h handlers) createKey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		apierrors.New(apierrors.CodeUnauthorized, "missing session").Write(w)
		return
	}

	key, plaintext, err := h.apikeys.Issue(r.Context(), session.WalletAddress)
	if err != nil {
		apierrors.New(apierrors.CodeInternal, "failed to issue api key").Write(w)
		return
	}
	responders.JSON(w, http.StatusCreated, createKeyResponse{KeyID: key.KeyID, Secret: plaintext})
}

// revokeKey answers DELETE /keys/{id} (spec.md §6, session-authenticated).
func (h handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		apierrors.New(apierrors.CodeUnauthorized, "missing session").Write(w)
		return
	}

	keyID := chi.URLParam(r, "id")
	key, err := h.apikeys.Get(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			apierrors.New(apierrors.CodeInvalidRequest, "key not found").Write(w)
			return
		}
		apierrors.New(apierrors.CodeInternal, "failed to look up api key").Write(w)
		return
	}
	if key.TenantID != session.WalletAddress {
		apierrors.New(apierrors.CodeUnauthorized, "key does not belong to this wallet").Write(w)
		return
	}

	if err := h.apikeys.Revoke(r.Context(), keyID); err != nil {
		apierrors.New(apierrors.CodeInternal, "failed to revoke api key").Write(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyBalanceResponse struct {
	KeyID        string `json:"key_id"`
	BalanceMicro int64  `json:"balance_micro"`
	Revoked      bool   `json:"revoked"`
}

// keyBalance answers GET /keys/{id}/balance (spec.md §6,
// session-authenticated). BalanceMicro is the denormalized ledger cache
// written only through apikey.Service.SyncBalance, not a live ledger read;
// reconciliation does not refresh it.
func (h handlers) keyBalance(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		apierrors.New(apierrors.CodeUnauthorized, "missing session").Write(w)
		return
	}

	keyID := chi.URLParam(r, "id")
	key, err := h.apikeys.Get(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			apierrors.New(apierrors.CodeInvalidRequest, "key not found").Write(w)
			return
		}
		apierrors.New(apierrors.CodeInternal, "failed to look up api key").Write(w)
		return
	}
	if key.TenantID != session.WalletAddress {
		apierrors.New(apierrors.CodeUnauthorized, "key does not belong to this wallet").Write(w)
		return
	}

	responders.JSON(w, http.StatusOK, keyBalanceResponse{
		KeyID:        key.KeyID,
		BalanceMicro: key.BalanceMicro,
		Revoked:      key.Revoked,
	})
}
