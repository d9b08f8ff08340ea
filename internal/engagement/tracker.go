// Package engagement persists per-scope activation and ignore counters and
// per-identity continuous-reply preferences.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/chatterbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tracker reads and writes engagement state. Read paths never fail: on a
// storage error they log and return the documented default.
type Tracker struct {
	db *gorm.DB
}

// NewTracker creates a Tracker backed by db.
func NewTracker(db *gorm.DB) (*Tracker, error) {
	if db == nil {
		return nil, fmt.Errorf("engagement: db is required")
	}
	return &Tracker{db: db}, nil
}

// IncrementIgnored atomically adds one to the scope's ignore counter and
// returns the new value.
func (t *Tracker) IncrementIgnored(ctx context.Context, scopeID string) (int, error) {
	db := t.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"ignored_count": gorm.Expr("ignored_count + 1")}),
	}).Create(&models.ScopeState{ScopeID: scopeID, Active: true, IgnoredCount: 1}).Error
	if err != nil {
		return 0, fmt.Errorf("engagement: increment ignored %s: %w", scopeID, err)
	}
	var st models.ScopeState
	if err := db.Where("scope_id = ?", scopeID).Take(&st).Error; err != nil {
		return 0, fmt.Errorf("engagement: read ignored %s: %w", scopeID, err)
	}
	return st.IgnoredCount, nil
}

// ResetIgnored sets the scope's ignore counter to zero. Resetting an absent
// scope is a no-op.
func (t *Tracker) ResetIgnored(ctx context.Context, scopeID string) error {
	err := t.db.WithContext(ctx).Model(&models.ScopeState{}).
		Where("scope_id = ? AND ignored_count <> 0", scopeID).
		Update("ignored_count", 0).Error
	if err != nil {
		return fmt.Errorf("engagement: reset ignored %s: %w", scopeID, err)
	}
	return nil
}

// GetIgnored returns the scope's ignore counter, zero if absent or unreadable.
func (t *Tracker) GetIgnored(ctx context.Context, scopeID string) int {
	st, ok := t.scope(ctx, scopeID)
	if !ok {
		return 0
	}
	return st.IgnoredCount
}

// SetActive sets the scope's activation flag.
func (t *Tracker) SetActive(ctx context.Context, scopeID string, active bool) error {
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "updated_at"}),
	}).Create(&models.ScopeState{ScopeID: scopeID, Active: active}).Error
	if err != nil {
		return fmt.Errorf("engagement: set active %s: %w", scopeID, err)
	}
	return nil
}

// GetActive reports whether the agent may respond in the scope. Absent
// scopes and storage failures read as active.
func (t *Tracker) GetActive(ctx context.Context, scopeID string) bool {
	st, ok := t.scope(ctx, scopeID)
	if !ok {
		return true
	}
	return st.Active
}

// SetContinuous sets the identity's continuous-reply preference.
func (t *Tracker) SetContinuous(ctx context.Context, identityID string, on bool) error {
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"continuous", "updated_at"}),
	}).Create(&models.IdentityState{IdentityID: identityID, Continuous: on}).Error
	if err != nil {
		return fmt.Errorf("engagement: set continuous %s: %w", identityID, err)
	}
	return nil
}

// GetContinuous reports the identity's continuous-reply preference. Absent
// identities and storage failures read as false.
func (t *Tracker) GetContinuous(ctx context.Context, identityID string) bool {
	var st models.IdentityState
	err := t.db.WithContext(ctx).Where("identity_id = ?", identityID).Take(&st).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("engagement: get continuous %s: %v (defaulting to off)", identityID, err)
		}
		return false
	}
	return st.Continuous
}

// scope loads the scope row. ok is false when it is absent or unreadable.
func (t *Tracker) scope(ctx context.Context, scopeID string) (models.ScopeState, bool) {
	var st models.ScopeState
	err := t.db.WithContext(ctx).Where("scope_id = ?", scopeID).Take(&st).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("engagement: load scope %s: %v (using defaults)", scopeID, err)
		}
		return models.ScopeState{}, false
	}
	return st, true
}
