package audit

import (
	"context"
	"log/slog"
	"time"
)

// Pruner enforces the retention window on a ticker.
type Pruner struct {
	store         *Store
	interval      time.Duration
	retentionDays int
	now           func() time.Time
}

func NewPruner(store *Store, intervalSecs, retentionDays int) *Pruner {
	if intervalSecs <= 0 {
		intervalSecs = 3600
	}
	return &Pruner{
		store:         store,
		interval:      time.Duration(intervalSecs) * time.Second,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run once at startup
	p.prune()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() int {
	if p.retentionDays <= 0 {
		return 0
	}
	cutoff := p.now().UTC().AddDate(0, 0, -p.retentionDays)
	pruned, err := p.store.Prune(cutoff)
	if err != nil {
		slog.Error("audit error pruning entries", "error", err)
		return 0
	}
	if pruned > 0 {
		slog.Info("audit pruned entries", "count", pruned)
	}
	return pruned
}
