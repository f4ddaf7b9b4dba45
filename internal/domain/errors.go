package domain

import (
	"github.com/pkg/errors"
)

// Error taxonomy shared by the execution engine, the price feed and the stores.
// Callers discriminate with errors.Is; wrapped errors keep the sentinel.
var (
	// ErrInsufficientBalance the user cannot cover the requested amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPriceUnavailable no price snapshot has been observed yet.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInvalidResponseFormat the market-data response lacks the expected keys.
	ErrInvalidResponseFormat = errors.New("invalid response format")
	// ErrNetworkFailure the market-data endpoint could not be reached.
	ErrNetworkFailure = errors.New("network failure")
	// ErrNotFound the record does not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied the identity or persistence layer refused the call.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidAmount non-positive amount or price.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrOperationFailed generic failure surfaced for unexpected faults.
	ErrOperationFailed = errors.New("operation failed")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrPriceUnavailable, "PriceUnavailable"},
	{ErrInvalidResponseFormat, "InvalidResponseFormat"},
	{ErrNetworkFailure, "NetworkFailure"},
	{ErrNotFound, "NotFound"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrOperationFailed, "OperationFailed"},
}

// ErrorCode maps err to its taxonomy name. Unknown errors map to OperationFailed.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "OperationFailed"
}

// IsExpected reports whether err belongs to the taxonomy.
func IsExpected(err error) bool {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return true
		}
	}
	return false
}
