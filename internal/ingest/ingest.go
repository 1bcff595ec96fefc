package ingest

import (
	"context"
	"time"

	"threatwatch/internal/broadcast"
	"threatwatch/internal/config"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
	"threatwatch/internal/pipeline"
)

// Processor runs one normalized event through detection and publishes the
// resulting messages to pub.
type Processor interface {
	Handle(ctx context.Context, ev model.Event, path string, pub broadcast.Publisher) pipeline.Outcome
}

// NormalizeOptions derives timestamp clamping from the detection settings.
func NormalizeOptions(cfg *config.Config) normalize.Options {
	return normalize.Options{
		MaxPast:   cfg.Detection.MaxClockSkew,
		MaxFuture: cfg.Detection.MaxFutureSkew,
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
