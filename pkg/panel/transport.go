package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/panelbroker/gamebroker/pkg/errors"
)

// ErrSessionInvalid marks a call the panel refused for lack of a valid session.
var ErrSessionInvalid = errors.New("panel session invalid")

// ErrLoginFailed marks a call that was never sent because no session could
// be obtained. It is a provisioning failure, never a timeout of the call.
var ErrLoginFailed = fmt.Errorf("%w: panel login failed", errors.ErrProvisioning)

// Outcome is the normalized result class of a bounded remote call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Result carries a remote call's value together with its normalized outcome.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// call runs fn with its own timeout. The caller's cancellation is not
// propagated: once started, a panel write runs until it answers or times out.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) Result[T] {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	v, err := fn(callCtx)
	switch {
	case err == nil:
		return Result[T]{Value: v, Outcome: OutcomeSuccess}
	case errors.Is(err, ErrLoginFailed):
		return Result[T]{Value: v, Outcome: OutcomeError, Err: err}
	case isTimeout(err) || callCtx.Err() == context.DeadlineExceeded:
		return Result[T]{Value: v, Outcome: OutcomeTimeout, Err: err}
	default:
		return Result[T]{Value: v, Outcome: OutcomeError, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rpc posts JSON to /API/{Module}/{Method} on the panel.
type rpc struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func newRPC(baseURL string, httpClient *http.Client) *rpc {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &rpc{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  "gamebroker/1.0",
	}
}

// post sends payload (with SESSIONID merged in when token is set) and returns
// the raw body of a 200 response.
func (r *rpc) post(ctx context.Context, endpoint, token string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if token != "" {
		payload["SESSIONID"] = token
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/API/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", r.userAgent)
	if token != "" {
		req.Header.Set("SESSIONID", token)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Debug("panel_request_failed", "endpoint", endpoint, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	slog.Debug("panel_request_complete", "endpoint", endpoint, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: http %d: %w", endpoint, resp.StatusCode, ErrSessionInvalid)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected http status %d", endpoint, resp.StatusCode)
	case token != "" && unauthorizedBody(data):
		return nil, fmt.Errorf("%s: %w", endpoint, ErrSessionInvalid)
	}
	return data, nil
}

// unauthorizedBody detects the error object the panel returns with a 200
// status when the session has expired.
func unauthorizedBody(data []byte) bool {
	var page struct {
		Title string `json:"Title"`
	}
	if json.Unmarshal(data, &page) != nil {
		return false
	}
	return strings.EqualFold(page.Title, "Unauthorized Access")
}
