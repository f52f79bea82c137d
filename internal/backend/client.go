// Package backend talks to the mission-control service: a transport Client
// (live HTTP or a static fixture) and the Poller that owns the snapshot.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Client is the stateless request/response transport to the backend.
type Client interface {
	GetSnapshot(ctx context.Context, teamID string) (*GameData, error)
	GetTeamActive(ctx context.Context, teamID string) (TeamActive, error)
	UnlockLocation(ctx context.Context, teamID, coords string) (Unlock, error)
	Jump(ctx context.Context, teamID, locationID string) (Jump, error)
	ScanLocation(ctx context.Context, teamID string) (Scan, error)
	CompleteCommEvent(ctx context.Context, teamID string) (Ack, error)
	ExtendAntenna(ctx context.Context, teamID string) (Ack, error)
	RetractAntenna(ctx context.Context, teamID string) (Ack, error)
	SetPowerMode(ctx context.Context, teamID, mode string) (Ack, error)
	SetCodexPower(ctx context.Context, teamID string, on bool) (Ack, error)
}

// TokenSource yields the bearer credential for each request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// HTTPClient is the live transport.
type HTTPClient struct {
	base   *url.URL
	token  TokenSource
	http   *http.Client
	tracer trace.Tracer
}

// NewHTTPClient builds a client against baseURL. A zero timeout means 10s.
func NewHTTPClient(baseURL string, token TokenSource, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q: missing scheme or host", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if token == nil {
		token = StaticToken("")
	}
	return &HTTPClient{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		tracer: otel.Tracer("github.com/example/bridge-crew/internal/backend"),
	}, nil
}

func teamPath(teamID string, parts ...string) string {
	segs := []string{"teams", url.PathEscape(teamID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return "/" + strings.Join(segs, "/")
}

func (c *HTTPClient) GetSnapshot(ctx context.Context, teamID string) (*GameData, error) {
	raw, err := c.do(ctx, "snapshot", http.MethodGet, teamPath(teamID, "snapshot"))
	if err != nil {
		return nil, err
	}
	return ParseGameData(raw)
}

func (c *HTTPClient) GetTeamActive(ctx context.Context, teamID string) (TeamActive, error) {
	var out TeamActive
	err := c.call(ctx, "team_active", http.MethodGet, teamPath(teamID, "active"), &out)
	return out, err
}

func (c *HTTPClient) UnlockLocation(ctx context.Context, teamID, coords string) (Unlock, error) {
	var out Unlock
	err := c.call(ctx, "unlock", http.MethodPost, teamPath(teamID, "unlock", coords), &out)
	return out, err
}

func (c *HTTPClient) Jump(ctx context.Context, teamID, locationID string) (Jump, error) {
	var out Jump
	err := c.call(ctx, "jump", http.MethodPost, teamPath(teamID, "jump", locationID), &out)
	return out, err
}

func (c *HTTPClient) ScanLocation(ctx context.Context, teamID string) (Scan, error) {
	var out Scan
	err := c.call(ctx, "scan", http.MethodPost, teamPath(teamID, "scan"), &out)
	return out, err
}

func (c *HTTPClient) CompleteCommEvent(ctx context.Context, teamID string) (Ack, error) {
	var out Ack
	err := c.call(ctx, "complete_comm", http.MethodPost, teamPath(teamID, "comm", "complete"), &out)
	return out, err
}

func (c *HTTPClient) ExtendAntenna(ctx context.Context, teamID string) (Ack, error) {
	var out Ack
	err := c.call(ctx, "extend_antenna", http.MethodPost, teamPath(teamID, "antenna", "extend"), &out)
	return out, err
}

func (c *HTTPClient) RetractAntenna(ctx context.Context, teamID string) (Ack, error) {
	var out Ack
	err := c.call(ctx, "retract_antenna", http.MethodPost, teamPath(teamID, "antenna", "retract"), &out)
	return out, err
}

func (c *HTTPClient) SetPowerMode(ctx context.Context, teamID, mode string) (Ack, error) {
	var out Ack
	err := c.call(ctx, "power_mode", http.MethodPost, teamPath(teamID, "power-mode", mode), &out)
	return out, err
}

func (c *HTTPClient) SetCodexPower(ctx context.Context, teamID string, on bool) (Ack, error) {
	var out Ack
	err := c.call(ctx, "codex_power", http.MethodPost, teamPath(teamID, "codex-power", strconv.FormatBool(on)), &out)
	return out, err
}

func (c *HTTPClient) call(ctx context.Context, action, method, path string, out any) error {
	raw, err := c.do(ctx, action, method, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, action, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, action, method, path string) (body []byte, err error) {
	ctx, span := c.tracer.Start(ctx, "backend."+action, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("backend.action", action),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: token: %w", action, err)
	}

	var reqBody io.Reader
	if method == http.MethodPost {
		reqBody = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: unexpected status %d", action, resp.StatusCode)
	}
	return body, nil
}
