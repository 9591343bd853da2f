package examcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

// StaticCatalog serves exam definitions from memory. It backs local runs and
// deployments that ship the exam list as a file.
type StaticCatalog struct {
	mu    sync.RWMutex
	exams map[string]attempt.ExamDefinition
}

// NewStaticCatalog creates a catalog holding defs.
func NewStaticCatalog(defs ...attempt.ExamDefinition) *StaticCatalog {
	c := &StaticCatalog{exams: make(map[string]attempt.ExamDefinition, len(defs))}
	for _, d := range defs {
		c.exams[d.ExamID] = d
	}
	return c
}

// LoadStaticCatalog reads a JSON array of exams in the catalog API format.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exam catalog: %w", err)
	}

	var dtos []ExamDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("parse exam catalog %s: %w", path, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	defs := make([]attempt.ExamDefinition, 0, len(dtos))
	for i, dto := range dtos {
		if err := validate.Struct(dto); err != nil {
			return nil, fmt.Errorf("%w: exam #%d in %s: %v", shared.ErrValidation, i, path, err)
		}
		defs = append(defs, *dto.ToDefinition())
	}
	return NewStaticCatalog(defs...), nil
}

// Put adds or replaces a definition.
func (c *StaticCatalog) Put(def attempt.ExamDefinition) {
	c.mu.Lock()
	c.exams[def.ExamID] = def
	c.mu.Unlock()
}

// GetExam implements attempt.ExamCatalog.
func (c *StaticCatalog) GetExam(_ context.Context, examID string) (*attempt.ExamDefinition, error) {
	c.mu.RLock()
	def, ok := c.exams[examID]
	c.mu.RUnlock()
	if !ok {
		return nil, shared.WrapError("catalog", "Lookup", shared.ErrNotFound,
			fmt.Sprintf("exam %s not found", examID), shared.ErrExamNotFound)
	}
	return &def, nil
}

var _ attempt.ExamCatalog = (*StaticCatalog)(nil)
