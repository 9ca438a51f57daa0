package exchange

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RetCodeParamError code returned for invalid request parameters, including an
// accountType the account does not support.
const RetCodeParamError = 10001

var (
	// ErrMissingCredentials authenticated endpoint called without API key/secret configured.
	ErrMissingCredentials = errors.New("missing BYBIT_API_KEY or BYBIT_API_SECRET")
	// ErrNoOrderID exchange accepted an order request but returned no order id.
	ErrNoOrderID = errors.New("exchange did not return orderId")
)

// APIError failure reported by the exchange: HTTP status >= 400 or retCode != 0.
type APIError struct {
	HTTPStatus int
	RetCode    int
	RetMsg     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit error (HTTP %d, retCode %d): %s", e.HTTPStatus, e.RetCode, e.RetMsg)
}

// isAccountTypeMismatch reports whether the error asks for a UNIFIED account type.
func (e *APIError) isAccountTypeMismatch() bool {
	msg := strings.ToLower(e.RetMsg)
	return e.RetCode == RetCodeParamError && strings.Contains(msg, "accounttype") && strings.Contains(msg, "unified")
}

// ValidationError order rejected locally because quantization produced an invalid order.
// Raised before any network call.
type ValidationError struct {
	Reason  string
	Filters InstrumentFilters
	Qty     string
	Price   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid limit order for %s: %s %s", e.Filters.Symbol, e.Reason, e.Filters.context(e.Qty, e.Price))
}

// IsValidation reports whether err was caused by local order validation.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAPIError reports whether err was caused by an exchange API failure.
func IsAPIError(err error) bool {
	var a *APIError
	return errors.As(err, &a)
}
