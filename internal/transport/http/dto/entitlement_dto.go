package dto

import "time"

type CreditsStatusResponse struct {
	HasCredits     bool       `json:"has_credits"`
	CreditsCount   int        `json:"credits_count"`
	HasUnlimited   bool       `json:"has_unlimited"`
	UnlimitedUntil *time.Time `json:"unlimited_until,omitempty"`
	// ConsumeRetryAfterSec is set when the consume limiter is exhausted,
	// so clients can disable the action without burning a request.
	ConsumeRetryAfterSec int64 `json:"consume_retry_after_sec,omitempty"`
}

type ConsumeResponse struct {
	Allowed          bool `json:"allowed"`
	Unlimited        bool `json:"unlimited"`
	RemainingCredits int  `json:"remaining_credits"`
}
