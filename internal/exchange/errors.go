package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrOrderNotFound indicates the venue has no order with the queried id.
var ErrOrderNotFound = errors.New("order not found on exchange")

// ErrDuplicateClientID indicates the venue already holds an order with the
// submitted client id; the caller's submission is already done.
var ErrDuplicateClientID = errors.New("client order id already exists on exchange")

// VenueError carries the venue's HTTP-level response for classification.
type VenueError struct {
	StatusCode int
	Message    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.StatusCode, e.Message)
}

// RejectionError is a venue-side validation failure: terminal for the order,
// never retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected by venue: %s", e.Reason)
}

// IsTransient classifies an adapter error as retryable: network timeouts,
// cancelled deadlines, and venue 5xx responses. Rejections and 4xx responses
// are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return false
	}
	var venueErr *VenueError
	if errors.As(err, &venueErr) {
		return venueErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejection classifies an adapter error as a terminal venue-side
// validation failure.
func IsRejection(err error) bool {
	var rejection *RejectionError
	return errors.As(err, &rejection)
}
