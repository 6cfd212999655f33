package model

import "time"

// RateLimitResult is the outcome of one counter increment against a
// fixed window.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}
