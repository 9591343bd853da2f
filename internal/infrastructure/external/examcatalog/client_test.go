package examcatalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/pkg/circuitbreaker"
	"github.com/alem-hub/exam-attempts/pkg/logger"
	"github.com/alem-hub/exam-attempts/pkg/ratelimit"
	"github.com/alem-hub/exam-attempts/pkg/retry"
)

func fastRetrier() *retry.Retrier {
	return retry.New(
		retry.WithMaxAttempts(3),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
	)
}

func newTestClient(srv *httptest.Server, opts ...func(*ClientConfig)) *Client {
	cfg := DefaultClientConfig(srv.URL)
	cfg.Logger = logger.Discard()
	cfg.Retrier = fastRetrier()
	for _, o := range opts {
		o(&cfg)
	}
	return NewClient(cfg)
}

func writeExam(w http.ResponseWriter, dto ExamDTO) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dto)
}

func TestClient_GetExam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exams/E1":
			writeExam(w, ExamDTO{ID: "E1", Title: "Go basics", DurationMinutes: 30, MaxAttempts: 2, AllowPause: true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	def, err := c.GetExam(context.Background(), "E1")
	require.NoError(t, err)
	assert.Equal(t, 30, def.DurationMinutes)
	assert.Equal(t, 2, def.MaxAttempts)
	assert.True(t, def.AllowPause)

	_, err = c.GetExam(context.Background(), "nope")
	assert.ErrorIs(t, err, shared.ErrExamNotFound)
	assert.Equal(t, shared.KindNotFound, shared.KindOf(err))

	_, err = c.GetExam(context.Background(), " ")
	assert.Equal(t, shared.KindValidation, shared.KindOf(err))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeExam(w, ExamDTO{ID: "E1", DurationMinutes: 45})
	}))
	defer srv.Close()

	def, err := newTestClient(srv).GetExam(context.Background(), "E1")
	require.NoError(t, err)
	assert.Equal(t, 45, def.DurationMinutes)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_UnavailableAndBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	c := newTestClient(srv, func(cfg *ClientConfig) { cfg.Breaker = breaker })

	for i := 0; i < 2; i++ {
		_, err := c.GetExam(context.Background(), "E1")
		assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
		assert.Equal(t, shared.KindStorageUnavailable, shared.KindOf(err))
	}
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	_, err := c.GetExam(context.Background(), "E1")
	assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls), "open circuit must not reach the catalog")
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newTestClient(srv)
	for i := 0; i < 10; i++ {
		_, err := c.GetExam(context.Background(), "E1")
		assert.ErrorIs(t, err, shared.ErrExamNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())
}

func TestClient_InvalidDefinitionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeExam(w, ExamDTO{ID: "E1", DurationMinutes: 0})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetExam(context.Background(), "E1")
	assert.Equal(t, shared.KindStorageUnavailable, shared.KindOf(err))
}

func TestClient_TooManyRequestsBacksOff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeExam(w, ExamDTO{ID: "E1", DurationMinutes: 30})
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 100, Burst: 10, MaxWait: time.Second})
	c := newTestClient(srv, func(cfg *ClientConfig) { cfg.Limiter = limiter })

	_, err := c.GetExam(context.Background(), "E1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())
}

func TestClient_LocalRateLimitDoesNotTripBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeExam(w, ExamDTO{ID: "E1", DurationMinutes: 30})
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 0.01, Burst: 1, MaxWait: 10 * time.Millisecond})
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(1), circuitbreaker.WithTimeout(time.Hour),
		circuitbreaker.WithIsFailure(countsAsFailure))
	c := newTestClient(srv, func(cfg *ClientConfig) {
		cfg.Limiter = limiter
		cfg.Breaker = breaker
	})

	_, err := c.GetExam(context.Background(), "E1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.GetExam(context.Background(), "E1")
		assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())
}

func TestClient_TokenCachedAndRefreshedOn401(t *testing.T) {
	var tokens, examCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
			n := atomic.AddInt32(&tokens, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-" + string(rune('0'+n)),
				"expires_in":   3600,
			})
		case "/exams/E1":
			atomic.AddInt32(&examCalls, 1)
			// The first token is rejected once, as if revoked.
			if r.Header.Get("Authorization") == "Bearer tok-1" && atomic.LoadInt32(&examCalls) == 3 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeExam(w, ExamDTO{ID: "E1", DurationMinutes: 30})
		}
	}))
	defer srv.Close()

	c := newTestClient(srv, func(cfg *ClientConfig) {
		cfg.ClientID = "attempts"
		cfg.ClientSecret = "secret"
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.GetExam(ctx, "E1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens))

	_, err := c.GetExam(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokens))
}

func TestClient_ConcurrentLookupsShareRequest(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		writeExam(w, ExamDTO{ID: "E1", DurationMinutes: 30})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			def, err := c.GetExam(context.Background(), "E1")
			if assert.NoError(t, err) {
				assert.Equal(t, 30, def.DurationMinutes)
			}
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStaticCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exams.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "E1", "title": "Go basics", "duration_minutes": 30, "max_attempts": 2},
		{"id": "E2", "duration_minutes": 90, "allow_pause": true}
	]`), 0o600))

	c, err := LoadStaticCatalog(path)
	require.NoError(t, err)

	def, err := c.GetExam(context.Background(), "E2")
	require.NoError(t, err)
	assert.True(t, def.AllowPause)

	_, err = c.GetExam(context.Background(), "E3")
	assert.ErrorIs(t, err, shared.ErrExamNotFound)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"id": "E1", "duration_minutes": 0}]`), 0o600))
	_, err = LoadStaticCatalog(bad)
	assert.ErrorIs(t, err, shared.ErrValidation)
}
