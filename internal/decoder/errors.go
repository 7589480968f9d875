package decoder

import (
	"fmt"
	"strings"
)

// RejectCode classifies a SubscribeRejected error the way §7 requires:
// derived from the exchange's own message text, since venues do not
// share one error-code space (generalizing the teacher's fixed numeric
// errorMessage codes in marketdata/stream/errors.go, which only make
// sense for a single venue).
type RejectCode int

const (
	RejectGeneric RejectCode = iota
	RejectRateLimited
	RejectBackfillFailed
	RejectInvalidSymbol
)

// SubscribeRejectedError is fatal for a Session: it is surfaced, never
// retried by the breaker.
type SubscribeRejectedError struct {
	Venue           string
	ContractFamily  string
	ExchangeMessage string
	Code            RejectCode
}

func (e *SubscribeRejectedError) Error() string {
	return fmt.Sprintf("subscribe rejected by %s/%s: %s", e.Venue, e.ContractFamily, e.ExchangeMessage)
}

// NewSubscribeRejected classifies exchangeMsg into a RejectCode and
// wraps it.
func NewSubscribeRejected(venue, contractFamily, exchangeMsg string) *SubscribeRejectedError {
	return &SubscribeRejectedError{
		Venue:           venue,
		ContractFamily:  contractFamily,
		ExchangeMessage: exchangeMsg,
		Code:            classify(exchangeMsg),
	}
}

func classify(msg string) RejectCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return RejectRateLimited
	case strings.Contains(lower, "backfill"):
		return RejectBackfillFailed
	case strings.Contains(lower, "invalid symbol") || strings.Contains(lower, "unknown symbol"):
		return RejectInvalidSymbol
	default:
		return RejectGeneric
	}
}
