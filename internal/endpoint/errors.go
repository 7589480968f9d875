package endpoint

import (
	"errors"

	"github.com/candlegate/gateway/internal/decoder"
	"github.com/candlegate/gateway/internal/router"
	"github.com/candlegate/gateway/internal/session"
)

// classify translates an error raised by the router or by whatever
// upstream layer it came from into the wire ErrorCode taxonomy of §7.
// It is a pure function so the scenario table in spec §8 can be driven
// directly against it without standing up a live subscription.
func classify(err error) (ErrorCode, string) {
	if err == nil {
		return CodeUnknown, ""
	}

	switch {
	case errors.Is(err, router.ErrUnsupportedContract):
		return CodeUnsupportedContract, err.Error()
	case errors.Is(err, router.ErrPoolBusy):
		return CodeConnectionPoolBusy, err.Error()
	case errors.Is(err, router.ErrInvalidSymbol):
		return CodeInvalidSymbol, err.Error()
	case errors.Is(err, router.ErrBackpressure):
		return CodeQueueBackpressure, err.Error()
	}

	var rej *decoder.SubscribeRejectedError
	if errors.As(err, &rej) {
		switch rej.Code {
		case decoder.RejectRateLimited:
			return CodeRateLimited, rej.ExchangeMessage
		case decoder.RejectBackfillFailed:
			return CodeRESTBackfillFailed, rej.ExchangeMessage
		case decoder.RejectInvalidSymbol:
			return CodeInvalidSymbol, rej.ExchangeMessage
		default:
			return CodeWSSubscribeRejected, rej.ExchangeMessage
		}
	}

	var connErr *session.ConnectionError
	if errors.As(err, &connErr) {
		return CodeWSConnectFailed, err.Error()
	}

	return CodeUnknown, err.Error()
}
