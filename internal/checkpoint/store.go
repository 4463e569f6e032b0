package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const checkpointRowID = 1

// seedWatermark is the watermark used before any run has completed: every
// submission ever received is strictly newer than it.
var seedWatermark = time.Unix(0, 0).UTC()

var (
	errMissingDatabase = errors.New("checkpoint: database handle is required")
	// ErrWatermarkRegression indicates an attempt to move the watermark
	// backwards, which would re-fold already-processed submissions as if
	// they were new on top of later state.
	ErrWatermarkRegression = errors.New("checkpoint: watermark regression")
)

// StoreConfig describes the dependencies for the checkpoint store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists the synchronization watermark, the cached session token and
// the per-run audit trail.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the checkpoint store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load returns the current checkpoint, seeding the epoch watermark when no
// checkpoint has been written yet.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	var row Checkpoint
	err := s.db.WithContext(ctx).Where("id = ?", checkpointRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("no checkpoint yet, seeding epoch watermark")
		return Snapshot{Watermark: seedWatermark}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint load failed: %w", err)
	}
	return Snapshot{
		Watermark: time.UnixMilli(row.LastProcessedAtMs).UTC(),
		Token:     row.Token,
	}, nil
}

// SaveToken replaces the cached session token in one write, leaving the
// watermark untouched.
func (s *Store) SaveToken(ctx context.Context, token string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.currentRow(tx)
		if err != nil {
			return err
		}
		row.Token = token
		row.UpdatedAtMs = s.clock().UTC().UnixMilli()
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("token save failed: %w", err)
	}
	s.logger.Debug("session token cached")
	return nil
}

// Advance moves the watermark forward. Callers invoke it at most once per
// run and only after every attachment target accepted the merged table; a
// regression is rejected outright.
func (s *Store) Advance(ctx context.Context, watermark time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.currentRow(tx)
		if err != nil {
			return err
		}
		next := watermark.UTC().UnixMilli()
		if next < row.LastProcessedAtMs {
			return fmt.Errorf("%w: %d -> %d", ErrWatermarkRegression, row.LastProcessedAtMs, next)
		}
		row.LastProcessedAtMs = next
		row.UpdatedAtMs = s.clock().UTC().UnixMilli()
		return tx.Save(&row).Error
	})
	if err != nil {
		return err
	}
	s.logger.Info("watermark advanced", zap.Time("watermark", watermark.UTC()))
	return nil
}

// RecordRun appends one entry to the run audit trail.
func (s *Store) RecordRun(ctx context.Context, run RunRecord) error {
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("run record insert failed: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent audit entries, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []RunRecord
	err := s.db.WithContext(ctx).
		Order("started_at_ms DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("run history query failed: %w", err)
	}
	return runs, nil
}

func (s *Store) currentRow(tx *gorm.DB) (Checkpoint, error) {
	var row Checkpoint
	err := tx.Where("id = ?", checkpointRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{
			ID:                checkpointRowID,
			LastProcessedAtMs: seedWatermark.UnixMilli(),
		}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return row, nil
}
