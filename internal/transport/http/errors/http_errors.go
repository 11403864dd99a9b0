package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RateLimitError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int64  `json:"retry_after_sec"`
}

func Write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteRateLimited sets the Retry-After header alongside the JSON body so
// both header-driven and body-driven clients back off correctly.
func WriteRateLimited(w http.ResponseWriter, retryAfterSec int64) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))
	Write(w, http.StatusTooManyRequests, RateLimitError{
		Code:          "RATE_LIMITED",
		Message:       "too many requests",
		RetryAfterSec: retryAfterSec,
	})
}
