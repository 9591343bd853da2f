// Package examcatalog looks up exam definitions from the catalog service that
// owns them. Lookups sit on the StartAttempt path, so the client retries
// briefly, collapses concurrent lookups of one exam, and stops calling a
// catalog that keeps failing.
package examcatalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/circuitbreaker"
	"github.com/alem-hub/exam-attempts/pkg/logger"
	"github.com/alem-hub/exam-attempts/pkg/ratelimit"
	"github.com/alem-hub/exam-attempts/pkg/retry"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the catalog client.
type ClientConfig struct {
	// BaseURL is the catalog API base URL.
	BaseURL string

	// ClientID and ClientSecret obtain a bearer token from TokenPath.
	// Leave both empty for an unauthenticated catalog.
	ClientID     string
	ClientSecret string
	TokenPath    string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	Logger  *slog.Logger
	Clock   timeutil.Clock
	Retrier *retry.Retrier
	Breaker *circuitbreaker.CircuitBreaker

	// Limiter paces requests; nil means unlimited.
	Limiter *ratelimit.Limiter

	// HTTPClient overrides the default client; used by tests.
	HTTPClient *http.Client
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:   baseURL,
		TokenPath: "/oauth/token",
		Timeout:   5 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// ══════════════════════════════════════════════════════════════════════════════

// ExamDTO is the catalog's representation of an exam.
type ExamDTO struct {
	ID              string `json:"id" validate:"required"`
	Title           string `json:"title"`
	DurationMinutes int    `json:"duration_minutes" validate:"gt=0,lte=10080"`
	MaxAttempts     int    `json:"max_attempts" validate:"gte=0"`
	AllowPause      bool   `json:"allow_pause"`
}

// ToDefinition maps the DTO onto the domain snapshot.
func (d ExamDTO) ToDefinition() *attempt.ExamDefinition {
	return &attempt.ExamDefinition{
		ExamID:          d.ID,
		Title:           d.Title,
		DurationMinutes: d.DurationMinutes,
		MaxAttempts:     d.MaxAttempts,
		AllowPause:      d.AllowPause,
	}
}

type tokenDTO struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// StatusError is a non-2xx catalog response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("catalog responded %d", e.StatusCode)
	}
	return fmt.Sprintf("catalog responded %d: %s", e.StatusCode, e.Body)
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is an attempt.ExamCatalog backed by the catalog HTTP API.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	clock      timeutil.Clock
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	limiter    *ratelimit.Limiter
	validate   *validator.Validate
	group      singleflight.Group

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new catalog client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = timeutil.SystemClock{}
	}
	if config.Retrier == nil {
		config.Retrier = retry.ExamCatalogRetrier()
	}
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.ExamCatalogBreaker(countsAsFailure, nil)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     config.Logger.With(logger.Component("exam_catalog")),
		clock:      config.Clock,
		retrier:    config.Retrier,
		breaker:    config.Breaker,
		limiter:    config.Limiter,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// GetExam implements attempt.ExamCatalog. Concurrent lookups of the same
// exam share one request.
func (c *Client) GetExam(ctx context.Context, examID string) (*attempt.ExamDefinition, error) {
	if strings.TrimSpace(examID) == "" {
		return nil, fmt.Errorf("%w: exam id is required", shared.ErrInvalidID)
	}

	v, err, dup := c.group.Do(examID, func() (any, error) {
		return c.fetchExam(ctx, examID)
	})
	if err != nil {
		return nil, err
	}
	def := *v.(*attempt.ExamDefinition)
	if dup {
		c.logger.Debug("exam lookup shared", logger.ExamID(examID))
	}
	return &def, nil
}

func (c *Client) fetchExam(ctx context.Context, examID string) (*attempt.ExamDefinition, error) {
	var dto ExamDTO
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.getJSON(ctx, "/exams/"+url.PathEscape(examID), &dto)
		})
	})
	if err != nil {
		return nil, c.classify(examID, err)
	}

	if err := c.validate.Struct(dto); err != nil {
		c.logger.Error("catalog returned an invalid exam", logger.ExamID(examID), logger.Err(err))
		return nil, shared.WrapError("catalog", "Lookup", shared.ErrServiceUnavailable,
			"catalog returned an invalid exam definition", err)
	}
	if dto.ID != examID {
		return nil, shared.WrapError("catalog", "Lookup", shared.ErrServiceUnavailable,
			fmt.Sprintf("catalog returned exam %s for %s", dto.ID, examID), nil)
	}
	return dto.ToDefinition(), nil
}

// classify maps transport outcomes onto the domain errors callers branch on.
func (c *Client) classify(examID string, err error) error {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		return shared.WrapError("catalog", "Lookup", shared.ErrNotFound,
			fmt.Sprintf("exam %s not found", examID), shared.ErrExamNotFound)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		c.logger.Warn("catalog circuit open", logger.ExamID(examID))
		return shared.WrapError("catalog", "Lookup", shared.ErrServiceUnavailable,
			"exam catalog unavailable", shared.ErrCatalogUnavailable)
	case errors.As(err, new(*ratelimit.WaitError)):
		return shared.WrapError("catalog", "Lookup", shared.ErrServiceUnavailable,
			"exam catalog rate limit exceeded", errors.Join(shared.ErrCatalogUnavailable, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return shared.WrapError("catalog", "Lookup", shared.ErrTimeout, "exam lookup cancelled", err)
	default:
		c.logger.Warn("catalog lookup failed", logger.ExamID(examID), logger.Err(err))
		return shared.WrapError("catalog", "Lookup", shared.ErrServiceUnavailable,
			"exam catalog unavailable", errors.Join(shared.ErrCatalogUnavailable, err))
	}
}

// countsAsFailure keeps normal answers (not found, bad request) from
// tripping the breaker, and so does our own rate limiter.
func countsAsFailure(err error) bool {
	if errors.As(err, new(*ratelimit.WaitError)) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP
// ══════════════════════════════════════════════════════════════════════════════

// getJSON performs one GET. Retryable failures come back wrapped with
// retry.Retryable; everything else is permanent.
func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return retry.Retryable(err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.config.BaseURL, "/")+path, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return retry.Retryable(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.Retryable(fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("catalog request",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		logger.Latency(c.clock.Now().Sub(start)),
	)

	if resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				statusErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.dropToken()
			return retry.Retryable(statusErr)
		case resp.StatusCode == http.StatusTooManyRequests:
			c.limiter.Backoff(statusErr.RetryAfter)
			return retry.Retryable(statusErr)
		case resp.StatusCode >= 500:
			return retry.Retryable(statusErr)
		default:
			return retry.Permanent(statusErr)
		}
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return retry.Permanent(fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}

// bearerToken returns a cached token, fetching a new one when it is missing
// or about to expire.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	if c.config.ClientID == "" {
		return "", nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.config.BaseURL, "/")+c.config.TokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	var tok tokenDTO
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response without access_token")
	}

	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	// Renew a little early so a token never expires mid-request.
	if ttl > time.Minute {
		ttl -= 30 * time.Second
	}

	c.token = tok.AccessToken
	c.tokenExpiry = now.Add(ttl)
	return c.token, nil
}

func (c *Client) dropToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// BreakerState reports the circuit breaker state, for health output.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ attempt.ExamCatalog = (*Client)(nil)
