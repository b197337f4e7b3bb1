package backtest

import (
	"fmt"
	"runtime"
	"time"

	"comboval/internal/domain"
	"comboval/internal/simulate"
	"comboval/internal/stats"
)

// RunConfig is the immutable configuration of one evaluation run.
type RunConfig struct {
	RunID string
	Exit  simulate.ExitPolicy

	// Admission is consulted before each trade; nil admits every event.
	Admission simulate.AdmissionPolicy
	// Segments enables segment-conditioned win ratios when non-nil.
	Segments stats.SegmentClassifier

	ConfidenceLevel float64       // 0 selects stats.DefaultConfidence
	Workers         int           // 0 selects runtime.NumCPU()
	Budget          time.Duration // 0 means no wall-clock limit
}

func (c RunConfig) withDefaults() RunConfig {
	if c.ConfidenceLevel == 0 {
		c.ConfidenceLevel = stats.DefaultConfidence
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Validate checks the configuration after defaults are applied. Every
// failure wraps domain.ErrInvalidConfig.
func (c RunConfig) Validate() error {
	c = c.withDefaults()
	if err := c.Exit.Validate(); err != nil {
		return err
	}
	if !(c.ConfidenceLevel > 0 && c.ConfidenceLevel < 1) {
		return fmt.Errorf("%w: confidence level %v outside (0,1)", domain.ErrInvalidConfig, c.ConfidenceLevel)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: worker count %d must be at least 1", domain.ErrInvalidConfig, c.Workers)
	}
	if c.Budget < 0 {
		return fmt.Errorf("%w: negative budget %s", domain.ErrInvalidConfig, c.Budget)
	}
	return nil
}

func (c RunConfig) statsOptions() stats.Options {
	return stats.Options{
		RunID:           c.RunID,
		HoldDays:        c.Exit.HoldDays,
		ConfidenceLevel: c.ConfidenceLevel,
		Segments:        c.Segments,
	}
}
