package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/entitysim/telemetry-streamer/internal/record"
)

// HTTPSender posts JSON batches to per-destination ingestion endpoints.
type HTTPSender struct {
	client    Doer
	apiKey    string
	endpoints map[record.Destination]string
	logger    *slog.Logger
}

// NewHTTPSender builds a sender over the provided client. The client should
// carry the request timeout (see NewHTTPClient).
func NewHTTPSender(client Doer, apiKey string, endpoints map[record.Destination]string, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{client: client, apiKey: apiKey, endpoints: endpoints, logger: logger}
}

// NewHTTPClient returns an http.Client with the fixed per-request timeout
// the pipeline uses for ingestion calls. In-flight requests run to
// completion or timeout; they are never aborted early.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Send delivers one batch. HTTP 200 and 202 are success; every other
// outcome is returned as a *Error for the breaker to count.
func (s *HTTPSender) Send(ctx context.Context, dest record.Destination, batch []record.Record) error {
	url, ok := s.endpoints[dest]
	if !ok {
		return fmt.Errorf("no endpoint configured for destination %q", dest)
	}

	body, err := EncodePayload(dest, batch)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", dest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Api-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		terr := &Error{Err: err, Timeout: isTimeout(err)}
		s.logger.Error(
			"batch delivery failed",
			slog.String("destination", string(dest)),
			slog.Int("batch_size", len(batch)),
			slog.Bool("timeout", terr.Timeout),
			slog.String("err", err.Error()),
		)
		return terr
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		s.logger.Error(
			"ingestion endpoint rejected batch",
			slog.String("destination", string(dest)),
			slog.Int("batch_size", len(batch)),
			slog.Int("status", resp.StatusCode),
		)
		return &Error{StatusCode: resp.StatusCode}
	}

	s.logger.DebugContext(ctx, "batch delivered",
		slog.String("destination", string(dest)),
		slog.Int("batch_size", len(batch)),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
