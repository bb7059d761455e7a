package apierrors

import (
	"encoding/json"
	"net/http"
)

// Error is both a Go error and the gateway's standard error envelope,
// carrying a surface Code plus an optional sub-code and structured detail
// (e.g. a 402's embedded challenge).
type Error struct {
	Code      Code                   `json:"-"`
	SubCode   string                 `json:"code,omitempty"`
	Message   string                 `json:"error"`
	RetryAfter int                   `json:"-"`
	Detail    map[string]interface{} `json:"-"`
}

func (e *Error) Error() string {
	if e.SubCode != "" {
		return e.Message + " (" + e.SubCode + ")"
	}
	return e.Message
}

// New builds an Error for code with message and no sub-code/detail.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithSubCode attaches a taxonomy sub-code (e.g. CHALLENGE_EXPIRED).
func (e *Error) WithSubCode(sub string) *Error {
	e.SubCode = sub
	return e
}

// WithDetail attaches a structured payload merged into the JSON envelope
// (e.g. the 402 challenge envelope's "challenge" field).
func (e *Error) WithDetail(detail map[string]interface{}) *Error {
	e.Detail = detail
	return e
}

// WithRetryAfter sets the Retry-After header value in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// envelope is the wire shape written to the client: the fixed "error"/
// "code" fields plus whatever extra keys Detail carries flattened in
// (e.g. "challenge" for a 402).
func (e *Error) envelope() map[string]interface{} {
	out := map[string]interface{}{"error": e.Message}
	if e.SubCode != "" {
		out["code"] = e.SubCode
	}
	for k, v := range e.Detail {
		out[k] = v
	}
	return out
}

// Write serializes the error to w with its fixed HTTP status and, if set,
// a Retry-After header.
func (e *Error) Write(w http.ResponseWriter) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e.envelope())
}

// WriteError is a convenience one-shot: build and write in one call.
func WriteError(w http.ResponseWriter, code Code, message string) {
	New(code, message).Write(w)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
