package httpserver

import (
	"net/http"
	"time"

	"github.com/paylane/inference-gateway/pkg/responders"
)

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version,omitempty"`
}

// health answers GET /health (spec.md §6, free endpoint).
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(serverStartTime).String(),
	})
}

// jwksResponse is an empty JWKS document: the gateway mints wallet session
// tokens with the HMAC secret in internal/hmacsign, not an asymmetric
// signing key, so this endpoint has no keys to publish. It is kept as a
// discovery stub so a client probing the standard well-known path gets a
// well-formed (if empty) JWKS document instead of a 404.
type jwksResponse struct {
	Keys []interface{} `json:"keys"`
}

// jwks answers GET /.well-known/jwks.json (spec.md §6, free endpoint).
func (h handlers) jwks(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, jwksResponse{Keys: []interface{}{}})
}
