// Package usage implements the per-identity image-generation quota ledger.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/chatterbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxAttempts bounds compare-and-swap retries under contention.
const maxAttempts = 5

// Result is the outcome of CheckAndConsume.
type Result struct {
	Allowed bool
	Count   int
}

// Status describes an identity's quota position without consuming anything.
type Status struct {
	Count     int
	Remaining int
	ResetsAt  time.Time // zero when no window is open
}

// LedgerOpts holds parameters for creating a Ledger.
type LedgerOpts struct {
	DB     *gorm.DB
	Quota  int
	Window time.Duration
	Now    func() time.Time // defaults to time.Now
}

// Ledger tracks per-identity consumption against a rolling window. Every
// mutation is a conditional single-row update so concurrent requests from
// any number of processes cannot over-admit.
type Ledger struct {
	db     *gorm.DB
	quota  int
	window time.Duration
	now    func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(opts LedgerOpts) (*Ledger, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("usage: db is required")
	}
	if opts.Quota <= 0 {
		return nil, fmt.Errorf("usage: quota must be positive")
	}
	if opts.Window <= 0 {
		return nil, fmt.Errorf("usage: window must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: opts.DB, quota: opts.Quota, window: opts.Window, now: now}, nil
}

// Quota returns the configured per-window quota.
func (l *Ledger) Quota() int { return l.quota }

// CheckAndConsume admits one unit of usage for identityID if the quota
// allows it. Storage failures fail open with {Allowed: true, Count: 0}.
func (l *Ledger) CheckAndConsume(ctx context.Context, identityID string) Result {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, done, err := l.tryConsume(ctx, identityID)
		if err != nil {
			log.Printf("usage: check and consume %s: %v (allowing)", identityID, err)
			return Result{Allowed: true}
		}
		if done {
			return res
		}
	}
	log.Printf("usage: check and consume %s: gave up after %d contended attempts (allowing)", identityID, maxAttempts)
	return Result{Allowed: true}
}

// tryConsume makes one compare-and-swap attempt. done is false when another
// writer changed the record first.
func (l *Ledger) tryConsume(ctx context.Context, identityID string) (Result, bool, error) {
	now := l.now().UTC()
	cutoff := now.Add(-l.window)
	db := l.db.WithContext(ctx)

	var rec models.UsageRecord
	err := db.Where("identity_id = ?", identityID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.UsageRecord{
			IdentityID:  identityID,
			Count:       1,
			WindowStart: now,
		})
		if created.Error != nil {
			return Result{}, false, fmt.Errorf("create record: %w", created.Error)
		}
		return Result{Allowed: true, Count: 1}, created.RowsAffected == 1, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("load record: %w", err)
	}

	if rec.WindowStart.After(cutoff) {
		if rec.Count >= l.quota {
			return Result{Allowed: false, Count: rec.Count}, true, nil
		}
		updated := db.Model(&models.UsageRecord{}).
			Where("identity_id = ? AND count = ? AND window_start > ?", identityID, rec.Count, cutoff).
			Update("count", rec.Count+1)
		if updated.Error != nil {
			return Result{}, false, fmt.Errorf("increment: %w", updated.Error)
		}
		return Result{Allowed: true, Count: rec.Count + 1}, updated.RowsAffected == 1, nil
	}

	// Window expired: restart it, but only if nobody else already did.
	reset := db.Model(&models.UsageRecord{}).
		Where("identity_id = ? AND window_start <= ?", identityID, cutoff).
		Updates(map[string]interface{}{"count": 1, "window_start": now})
	if reset.Error != nil {
		return Result{}, false, fmt.Errorf("reset window: %w", reset.Error)
	}
	return Result{Allowed: true, Count: 1}, reset.RowsAffected == 1, nil
}

// Get reports the identity's current quota position.
func (l *Ledger) Get(ctx context.Context, identityID string) (Status, error) {
	var rec models.UsageRecord
	err := l.db.WithContext(ctx).Where("identity_id = ?", identityID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{Remaining: l.quota}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("usage: get %s: %w", identityID, err)
	}
	if !rec.WindowStart.After(l.now().UTC().Add(-l.window)) {
		return Status{Remaining: l.quota}, nil
	}
	remaining := l.quota - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:     rec.Count,
		Remaining: remaining,
		ResetsAt:  rec.WindowStart.Add(l.window),
	}, nil
}

// Reset clears the identity's usage record.
func (l *Ledger) Reset(ctx context.Context, identityID string) error {
	if err := l.db.WithContext(ctx).Where("identity_id = ?", identityID).Delete(&models.UsageRecord{}).Error; err != nil {
		return fmt.Errorf("usage: reset %s: %w", identityID, err)
	}
	return nil
}

// Sweep deletes records whose window expired more than one window ago and
// returns how many were removed.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	cutoff := l.now().UTC().Add(-2 * l.window)
	res := l.db.WithContext(ctx).Where("window_start < ?", cutoff).Delete(&models.UsageRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("usage: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
