package models

import "time"

// ScopeState holds per-scope engagement state. A missing row means the scope
// is active with no ignored messages.
type ScopeState struct {
	ScopeID      string `gorm:"primaryKey;size:64"`
	Active       bool   `gorm:"not null"`
	IgnoredCount int    `gorm:"not null"`
	UpdatedAt    time.Time
}

// IdentityState holds per-identity preferences. A missing row means
// continuous replies are off.
type IdentityState struct {
	IdentityID string `gorm:"primaryKey;size:64"`
	Continuous bool   `gorm:"not null"`
	UpdatedAt  time.Time
}

// UsageRecord tracks image-generation consumption within a rolling window.
type UsageRecord struct {
	IdentityID  string    `gorm:"primaryKey;size:64"`
	Count       int       `gorm:"not null"`
	WindowStart time.Time `gorm:"not null;index"`
}
