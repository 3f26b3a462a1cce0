package exchange

import (
	"errors"
	"fmt"
)

// ErrAuthRequired is returned by mutations (and account-scoped reads without
// an explicit address) when no signing identity is loaded.
var ErrAuthRequired = errors.New("authentication required: no signing identity loaded")

// AssetNotFoundError: the symbol is not in the exchange metadata.
// Caught before any mutation is sent.
type AssetNotFoundError struct {
	Symbol string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("asset not found: %s", e.Symbol)
}

// OrderTooSmallError: the requested size rounds to zero at the asset's
// declared decimals. Caught before any network call.
type OrderTooSmallError struct {
	Symbol   string
	Size     float64
	Decimals int
}

func (e *OrderTooSmallError) Error() string {
	return fmt.Sprintf("order too small: %s size %v rounds to zero at %d decimals", e.Symbol, e.Size, e.Decimals)
}

// SafetyAbortError: a duplicate-state guard tripped, or the guard itself could
// not be verified. Resolved locally; the mutation is never sent.
type SafetyAbortError struct {
	Reason string
	Cause  error
}

func (e *SafetyAbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("safety abort: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("safety abort: %s", e.Reason)
}

func (e *SafetyAbortError) Unwrap() error { return e.Cause }

// TransportError: the request never produced an HTTP response
// (timeout, reset, DNS). Mutations hitting this are never auto-retried;
// the order may or may not have reached the exchange.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError: the exchange answered, but not with well-formed JSON or not
// with 2xx. The raw body is kept for diagnosis.
type ProtocolError struct {
	StatusCode int
	Raw        string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid response (status %d): %s", e.StatusCode, e.Raw)
}

// ExchangeError: a well-formed rejection (`status: "err"`) from the exchange.
type ExchangeError struct {
	Reason string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange rejected: %s", e.Reason)
}
