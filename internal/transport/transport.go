package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/entitysim/telemetry-streamer/internal/record"
)

//go:generate mockgen -source=transport.go -destination=../mocks/mock_sender.go -package=mocks

// Sender delivers one batch of records to a destination's ingestion
// endpoint.
type Sender interface {
	Send(ctx context.Context, dest record.Destination, batch []record.Record) error
}

// Doer abstracts the HTTP client for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ Doer = (*http.Client)(nil)

// Error is a failed delivery attempt: a non-2xx response, a connection
// failure, or a request timeout. Timeouts are treated identically to any
// other transport failure by the breaker.
type Error struct {
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport: request timed out: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	default:
		return fmt.Sprintf("transport: unexpected status %d", e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }
