package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/pkg/logger"
)

// TTLExamDefinition is the default lifetime of a cached exam definition.
const TTLExamDefinition = 5 * time.Minute

// CachedCatalog is a read-through cache in front of an exam catalog.
// Redis failures degrade to the underlying catalog.
type CachedCatalog struct {
	next   attempt.ExamCatalog
	client *Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedCatalog wraps next with a Redis cache.
func NewCachedCatalog(next attempt.ExamCatalog, client *Client, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = TTLExamDefinition
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedCatalog{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: log.With(logger.Component("exam_cache")),
	}
}

// GetExam implements attempt.ExamCatalog.
func (c *CachedCatalog) GetExam(ctx context.Context, examID string) (*attempt.ExamDefinition, error) {
	var def attempt.ExamDefinition
	err := c.client.GetJSON(ctx, ExamKey(examID), &def)
	switch {
	case err == nil:
		return &def, nil
	case errors.Is(err, ErrCacheMiss):
	default:
		c.logger.Warn("exam cache read failed", logger.ExamID(examID), logger.Err(err))
	}

	fresh, err := c.next.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := c.client.SetJSON(ctx, ExamKey(examID), fresh, c.ttl); err != nil {
		c.logger.Warn("exam cache write failed", logger.ExamID(examID), logger.Err(err))
	}
	return fresh, nil
}

// Invalidate drops a cached definition.
func (c *CachedCatalog) Invalidate(ctx context.Context, examID string) error {
	return c.client.Delete(ctx, ExamKey(examID))
}

var _ attempt.ExamCatalog = (*CachedCatalog)(nil)
