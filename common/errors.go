package common

import "errors"

// Error is an error carrying a stable wire code.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func NewError(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

const (
	CodeOK       = 0
	CodeInternal = -1
)

var (
	ErrInvalidParams      = NewError(1001, "invalid params")
	ErrOfferNotFound      = NewError(1002, "offer not found")
	ErrOfferNotActive     = NewError(1003, "offer not active")
	ErrInvalidBitwork     = NewError(1004, "invalid bitwork string")
	ErrLockHeld           = NewError(1005, "lock already held, offer is processing")
	ErrSignatureInvalid   = NewError(1006, "signature invalid")
	ErrPsbtMismatch       = NewError(1007, "psbt does not match quote")
	ErrInsufficientFunds  = NewError(1008, "insufficient funds")
	ErrIndexerUnavailable = NewError(1009, "indexer unavailable")
	ErrBroadcastDelayed   = NewError(1010, "broadcast delayed, transaction saved for resubmission")
	ErrPriceBelowDust     = NewError(1011, "price below dust")
	ErrQuoteExpired       = NewError(1012, "quote expired")
	ErrOfferInvalidated   = NewError(1013, "offer invalidated, asset moved or owner changed")
	ErrSearchExhausted    = NewError(1014, "bitwork search exhausted")
	ErrUnsupportedAsset   = NewError(1015, "unsupported asset")
	ErrOfferExists        = NewError(1016, "offer exists")
	ErrSearchCancelled    = NewError(1017, "bitwork search cancelled")
	ErrJobNotFound        = NewError(1018, "job not found")
)

// CodeOf returns the wire code of err, walking its wrap chain.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
