package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/lekesiz/BDC-sub001/internal/models"
)

// Provider produces a qualitative analysis for a scored session.
type Provider interface {
	Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error)
	Name() string
	ModelName() string
}

type AnalysisRequest struct {
	Definition *models.TestDefinition
	Session    *models.TestSession
}

type AnalysisResult struct {
	Narrative      models.Narrative
	Confidence     float64
	Flags          []string
	FreeTextGrades map[string]float64
	RawPayload     string
}

// ProviderError classifies a failed provider call. Transient failures are
// retried with backoff, terminal ones are not worth a second attempt.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

// IsTransient reports whether a retry could succeed. Timeouts count as
// transient so the next attempt gets a fresh window.
func IsTransient(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return false
}
