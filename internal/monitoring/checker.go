package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

// Recomputer rebuilds one item's Summary.
type Recomputer interface {
	Recompute(ctx context.Context, itemID string) (*model.Summary, error)
}

// Checker runs periodic consistency checks in the background.
type Checker struct {
	collector *Collector
	repairer  Recomputer
	cfg       config.MonitoringConfig
}

// NewChecker creates a background drift checker. repairer may be nil when
// cfg.Repair is off.
func NewChecker(collector *Collector, repairer Recomputer, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		repairer:  repairer,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting drift checker",
		zap.Duration("interval", interval),
		zap.Bool("repair", c.cfg.Repair),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("drift checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one pass, logging each drifted item and repairing it when
// configured. The returned snapshot describes the state before repair.
func (c *Checker) Check(ctx context.Context) (*Snapshot, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Healthy() {
		log.Debug("monitoring: summaries consistent", zap.Int("items", snap.Items))
		return snap, nil
	}

	repaired := 0
	for _, d := range snap.Drifted {
		log.Warn("monitoring: summary drift",
			zap.String("item_id", d.ItemID),
			zap.String("kind", string(d.Kind)),
		)
		if !c.cfg.Repair || c.repairer == nil {
			continue
		}
		if _, err := c.repairer.Recompute(ctx, d.ItemID); err != nil {
			log.Error("monitoring: repair failed", zap.String("item_id", d.ItemID), zap.Error(err))
			continue
		}
		repaired++
	}

	log.Info("monitoring: drift check complete",
		zap.Int("items", snap.Items),
		zap.Int("drifted", len(snap.Drifted)),
		zap.Int("repaired", repaired),
	)
	return snap, nil
}
