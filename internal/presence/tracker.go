package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultOnlineWindow is how long a provider stays bookable after the
	// last observed activity, compensating for unreliable offline signals.
	DefaultOnlineWindow = 10 * time.Minute
	// DefaultSweepInterval matches the client heartbeat cadence.
	DefaultSweepInterval = 2 * time.Minute
)

var noOpLogger = zap.NewNop()

// TrackerConfig describes the dependencies of the presence tracker.
type TrackerConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	OnlineWindow time.Duration
	Logger       *zap.Logger
}

// Tracker maintains the liveness signal per provider. Writes come from the
// provider's own session (heartbeats and activity events); reads come from
// anyone deciding whether a provider is bookable right now.
type Tracker struct {
	db     *gorm.DB
	clock  func() time.Time
	window time.Duration
	logger *zap.Logger
}

// NewTracker constructs the presence tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("presence: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.OnlineWindow
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{db: cfg.Database, clock: clock, window: window, logger: logger}, nil
}

// MarkOnline records session start: flag up, activity refreshed.
func (t *Tracker) MarkOnline(ctx context.Context, providerID string) error {
	return t.upsert(ctx, providerID, map[string]interface{}{
		"is_online":      true,
		"last_active_at": t.clock().UTC(),
	})
}

// MarkOffline records a best-effort teardown. Readers never rely on it; the
// activity window is the real cutoff.
func (t *Tracker) MarkOffline(ctx context.Context, providerID string) error {
	return t.upsert(ctx, providerID, map[string]interface{}{
		"is_online":      false,
		"last_active_at": t.clock().UTC(),
	})
}

// Heartbeat refreshes the activity timestamp and raises the flag. Called
// periodically while a session is open and on discrete activity events, so
// it only ever fires from a live session.
func (t *Tracker) Heartbeat(ctx context.Context, providerID string) error {
	return t.upsert(ctx, providerID, map[string]interface{}{
		"is_online":      true,
		"last_active_at": t.clock().UTC(),
	})
}

// IsOnline reports bookability: the stored flag must be up and the last
// activity must fall inside the online window. A stale flag is offline.
func (t *Tracker) IsOnline(ctx context.Context, providerID string) (bool, error) {
	var record Record
	err := t.db.WithContext(ctx).Where("provider_id = ?", providerID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Online(record), nil
}

// Online evaluates the window check against an already-loaded record.
func (t *Tracker) Online(record Record) bool {
	if !record.IsOnline {
		return false
	}
	return t.clock().UTC().Sub(record.LastActiveAt) < t.window
}

// Snapshot returns the presence records for the given providers, keyed by id.
func (t *Tracker) Snapshot(ctx context.Context, providerIDs []string) (map[string]Record, error) {
	if len(providerIDs) == 0 {
		return map[string]Record{}, nil
	}
	var records []Record
	if err := t.db.WithContext(ctx).Where("provider_id IN ?", providerIDs).Find(&records).Error; err != nil {
		return nil, err
	}
	snapshot := make(map[string]Record, len(records))
	for _, record := range records {
		snapshot[record.ProviderID] = record
	}
	return snapshot, nil
}

// Sweep flips stale online flags off and returns how many rows changed.
// Pure hygiene: reads are already window-guarded.
func (t *Tracker) Sweep(ctx context.Context) (int64, error) {
	cutoff := t.clock().UTC().Add(-t.window)
	result := t.db.WithContext(ctx).Model(&Record{}).
		Where("is_online = ? AND last_active_at < ?", true, cutoff).
		Update("is_online", false)
	return result.RowsAffected, result.Error
}

// RunSweeper runs Sweep on the given interval until the context is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := t.Sweep(ctx)
			if err != nil {
				t.logger.Warn("presence sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				t.logger.Info("presence sweep flipped stale flags", zap.Int64("records", swept))
			}
		}
	}
}

func (t *Tracker) upsert(ctx context.Context, providerID string, updates map[string]interface{}) error {
	if providerID == "" {
		return fmt.Errorf("presence: provider id required")
	}
	record := Record{
		ProviderID:   providerID,
		LastActiveAt: t.clock().UTC(),
	}
	if online, ok := updates["is_online"].(bool); ok {
		record.IsOnline = online
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&record).Error
}
