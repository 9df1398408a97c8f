package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultSweepPattern matches every file the store writes.
const DefaultSweepPattern = "user_*/*.{md,pdf,html}"

// SweepOptions controls an orphan sweep.
type SweepOptions struct {
	Pattern string
	// MinAge protects files of jobs that are still rendering.
	MinAge time.Duration
	DryRun bool
	Now    func() time.Time
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Scanned int
	Orphans []string
	Removed int
}

// Sweep deletes stored files that match the pattern, are older than MinAge
// and are not in known.
func Sweep(ctx context.Context, b Backend, known []string, opts SweepOptions, log *zap.Logger) (SweepReport, error) {
	if opts.Pattern == "" {
		opts.Pattern = DefaultSweepPattern
	}
	if !doublestar.ValidatePattern(opts.Pattern) {
		return SweepReport{}, fmt.Errorf("invalid sweep pattern %q", opts.Pattern)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}

	keep := make(map[string]struct{}, len(known))
	for _, k := range known {
		keep[k] = struct{}{}
	}

	objects, err := b.List(ctx, "")
	if err != nil {
		return SweepReport{}, fmt.Errorf("list artifacts: %w", err)
	}

	var report SweepReport
	cutoff := opts.Now().Add(-opts.MinAge)
	for _, obj := range objects {
		ok, err := doublestar.Match(opts.Pattern, obj.Key)
		if err != nil {
			return report, err
		}
		if !ok {
			continue
		}
		report.Scanned++
		if _, used := keep[obj.Key]; used || obj.Modified.After(cutoff) {
			continue
		}
		report.Orphans = append(report.Orphans, obj.Key)
		if opts.DryRun {
			continue
		}
		if err := b.Delete(ctx, obj.Key); err != nil {
			log.Warn("failed to remove orphan", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		report.Removed++
	}
	return report, nil
}
