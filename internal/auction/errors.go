package auction

import "errors"

// Errors returned by Actor operations. Callers compare with errors.Is.
var (
	ErrNotFound       = errors.New("auction not found")
	ErrNotActive      = errors.New("auction is not active")
	ErrUnauthorized   = errors.New("not permitted for this role")
	ErrWrongMode      = errors.New("auction is not accepting this bid type")
	ErrBidTooLow      = errors.New("bid must exceed the current bid")
	ErrDuplicateBid   = errors.New("duplicate bid")
	ErrNoBids         = errors.New("auction has no bids")
	ErrTimeout        = errors.New("timed out waiting for auction")
	ErrGatewayFailure = errors.New("gateway call failed")
)

// Wire codes surfaced to clients.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeNotActive      = "NOT_ACTIVE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeWrongMode      = "WRONG_MODE"
	CodeBidTooLow      = "BID_TOO_LOW"
	CodeDuplicateBid   = "DUPLICATE_BID"
	CodeNoBids         = "NO_BIDS"
	CodeTimeout        = "TIMEOUT"
	CodeGatewayFailure = "GATEWAY_FAILURE"
	CodeInternal       = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrNotActive, CodeNotActive},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrWrongMode, CodeWrongMode},
	{ErrBidTooLow, CodeBidTooLow},
	{ErrDuplicateBid, CodeDuplicateBid},
	{ErrNoBids, CodeNoBids},
	{ErrTimeout, CodeTimeout},
	{ErrGatewayFailure, CodeGatewayFailure},
}

// Code maps err to its wire code. Unrecognised errors are INTERNAL.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
