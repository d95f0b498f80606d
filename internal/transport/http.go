package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/gql"
	"github.com/roach88/syncql/internal/metrics"
	"github.com/roach88/syncql/internal/syncerr"
)

const (
	// DefaultAttemptTimeout bounds a single HTTP attempt.
	DefaultAttemptTimeout = 15 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20

	headerIdempotencyKey = "Idempotency-Key"
)

// HTTPTransport sends operations as GraphQL-over-HTTP POST requests and
// subscriptions over graphql-transport-ws.
//
// Thread-safety: safe for concurrent use.
type HTTPTransport struct {
	endpoint       string
	realtime       string
	client         *http.Client
	tokens         auth.TokenProvider
	retry          RetryPolicy
	attemptTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *HTTPTransport) { t.retry = p }
}

// WithAttemptTimeout overrides DefaultAttemptTimeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) { t.attemptTimeout = d }
}

// WithRealtimeEndpoint sets the ws:// or wss:// URL used by Subscribe.
func WithRealtimeEndpoint(url string) Option {
	return func(t *HTTPTransport) { t.realtime = url }
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *HTTPTransport) { t.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = l }
}

// NewHTTP creates a transport for the given GraphQL endpoint.
func NewHTTP(endpoint string, tokens auth.TokenProvider, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:       endpoint,
		client:         http.DefaultClient,
		tokens:         tokens,
		retry:          DefaultRetryPolicy(),
		attemptTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.metrics = metrics.OrNew(t.metrics)
	return t
}

// requestBody is the GraphQL-over-HTTP request shape.
type requestBody struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables"`
}

// responseBody is the GraphQL-over-HTTP response shape.
type responseBody struct {
	Data   gql.Object     `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

func encodeRequest(op gql.Operation) ([]byte, error) {
	return json.Marshal(requestBody{
		Query:         op.Document(),
		OperationName: op.Name(),
		Variables:     gql.MarshalCanonical(op.Variables()),
	})
}

// Execute implements Transport. Credentials are fetched before anything is
// sent; a provider failure returns an AUTH error with no network call.
// Transient failures are retried per the RetryPolicy with the same body and
// idempotency key.
func (t *HTTPTransport) Execute(ctx context.Context, req Request) (gql.Object, error) {
	creds, err := t.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, asAuth(err)
	}

	body, err := encodeRequest(req.Operation)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeRequestRejected, "encode request", err)
	}

	kind := req.Operation.Kind().String()
	attempt := 0
	data, err := backoff.RetryNotifyWithData(func() (gql.Object, error) {
		attempt++
		data, err := t.do(ctx, creds, req, body)
		t.metrics.Requests.WithLabelValues(kind, outcome(err)).Inc()
		if err == nil {
			return data, nil
		}
		if syncerr.IsAuth(err) {
			if inv, ok := t.tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
		if !syncerr.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, t.retry.backOff(ctx), func(err error, wait time.Duration) {
		t.metrics.Retries.Inc()
		t.logger.Debug("retrying operation",
			"operation", req.Operation.Name(),
			"attempt", attempt,
			"wait", wait,
			"error", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			if ce := syncerr.FromContext(ctx.Err()); ce != nil {
				return nil, ce
			}
		}
		return nil, err
	}
	return data, nil
}

// do performs a single attempt.
func (t *HTTPTransport) do(ctx context.Context, creds auth.Credentials, req Request, body []byte) (gql.Object, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeRequestRejected, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.Token)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(headerIdempotencyKey, req.IdempotencyKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyNetError(ctx, err)
	}

	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var out responseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeRequestRejected, "malformed response", err)
	}
	if len(out.Errors) > 0 {
		details := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			details[i] = e.Message
		}
		return nil, syncerr.Rejected(details[0], details...)
	}
	if out.Data == nil {
		return gql.Object{}, nil
	}
	return out.Data, nil
}

// classifyStatus maps non-2xx statuses to error codes.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Wrap(syncerr.CodeAuth, fmt.Sprintf("server refused credentials (%d)", status), nil)
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.New(syncerr.CodeConnectionLost, fmt.Sprintf("server unavailable (%d)", status))
	default:
		// A 4xx may still carry a GraphQL errors list.
		var out responseBody
		if json.Unmarshal(body, &out) == nil && len(out.Errors) > 0 {
			details := make([]string, len(out.Errors))
			for i, e := range out.Errors {
				details[i] = e.Message
			}
			return syncerr.Rejected(fmt.Sprintf("request rejected (%d)", status), details...)
		}
		return syncerr.Rejected(fmt.Sprintf("request rejected (%d)", status))
	}
}

// classifyNetError maps client errors. ctx is the caller's context, used to
// tell caller cancellation apart from the per-attempt deadline.
func classifyNetError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return syncerr.FromContext(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Wrap(syncerr.CodeTimeout, "attempt timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return syncerr.Wrap(syncerr.CodeTimeout, "network timeout", err)
	}
	return syncerr.Wrap(syncerr.CodeConnectionLost, "request failed", err)
}

// asAuth makes sure a provider error carries the AUTH code.
func asAuth(err error) error {
	if syncerr.IsAuth(err) {
		return err
	}
	return syncerr.Auth(err)
}

func outcome(err error) string {
	switch syncerr.CodeOf(err) {
	case "":
		if err == nil {
			return metrics.OutcomeSuccess
		}
		return metrics.OutcomeLost
	case syncerr.CodeAuth:
		return metrics.OutcomeAuth
	case syncerr.CodeTimeout:
		return metrics.OutcomeTimeout
	case syncerr.CodeConnectionLost:
		return metrics.OutcomeLost
	default:
		return metrics.OutcomeRejected
	}
}
