package engagement

import (
	"context"
	"testing"

	"github.com/zulandar/chatterbox/internal/db"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()
	gdb := openTestDB(t)
	tr, err := NewTracker(gdb)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, gdb
}

func TestNewTracker_NilDB(t *testing.T) {
	if _, err := NewTracker(nil); err == nil {
		t.Error("expected error for nil db")
	}
}

func TestIgnored_IncrementAndReset(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if got := tr.GetIgnored(ctx, "s1"); got != 0 {
		t.Errorf("GetIgnored(absent) = %d, want 0", got)
	}
	for i := 1; i <= 4; i++ {
		n, err := tr.IncrementIgnored(ctx, "s1")
		if err != nil {
			t.Fatalf("IncrementIgnored: %v", err)
		}
		if n != i {
			t.Errorf("IncrementIgnored #%d = %d, want %d", i, n, i)
		}
	}
	if got := tr.GetIgnored(ctx, "s1"); got != 4 {
		t.Errorf("GetIgnored = %d, want 4", got)
	}
	if err := tr.ResetIgnored(ctx, "s1"); err != nil {
		t.Fatalf("ResetIgnored: %v", err)
	}
	if got := tr.GetIgnored(ctx, "s1"); got != 0 {
		t.Errorf("GetIgnored after reset = %d, want 0", got)
	}
	// Idempotent, and a no-op for absent scopes.
	if err := tr.ResetIgnored(ctx, "s1"); err != nil {
		t.Errorf("second ResetIgnored: %v", err)
	}
	if err := tr.ResetIgnored(ctx, "never-seen"); err != nil {
		t.Errorf("ResetIgnored(absent): %v", err)
	}
}

func TestIgnored_ScopesIndependent(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.IncrementIgnored(ctx, "a")
	tr.IncrementIgnored(ctx, "a")
	tr.IncrementIgnored(ctx, "b")
	if got := tr.GetIgnored(ctx, "a"); got != 2 {
		t.Errorf("a = %d, want 2", got)
	}
	if got := tr.GetIgnored(ctx, "b"); got != 1 {
		t.Errorf("b = %d, want 1", got)
	}
}

func TestActive_DefaultAndToggle(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if !tr.GetActive(ctx, "s1") {
		t.Error("GetActive(absent) = false, want true")
	}
	if err := tr.SetActive(ctx, "s1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if tr.GetActive(ctx, "s1") {
		t.Error("GetActive after deactivate = true, want false")
	}
	if err := tr.SetActive(ctx, "s1", true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if !tr.GetActive(ctx, "s1") {
		t.Error("GetActive after activate = false, want true")
	}
}

func TestActive_PreservesIgnoredCount(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.IncrementIgnored(ctx, "s1")
	tr.SetActive(ctx, "s1", false)
	if got := tr.GetIgnored(ctx, "s1"); got != 1 {
		t.Errorf("GetIgnored = %d, want 1", got)
	}
	// Incrementing on an existing inactive row must not flip it active.
	tr.IncrementIgnored(ctx, "s1")
	if tr.GetActive(ctx, "s1") {
		t.Error("GetActive = true after increment, want false")
	}
}

func TestContinuous_DefaultAndToggle(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if tr.GetContinuous(ctx, "u1") {
		t.Error("GetContinuous(absent) = true, want false")
	}
	if err := tr.SetContinuous(ctx, "u1", true); err != nil {
		t.Fatalf("SetContinuous: %v", err)
	}
	if !tr.GetContinuous(ctx, "u1") {
		t.Error("GetContinuous = false, want true")
	}
	if err := tr.SetContinuous(ctx, "u1", false); err != nil {
		t.Fatalf("SetContinuous: %v", err)
	}
	if tr.GetContinuous(ctx, "u1") {
		t.Error("GetContinuous = true, want false")
	}
}

func TestReads_DegradeOnStorageFailure(t *testing.T) {
	tr, gdb := newTestTracker(t)
	ctx := context.Background()

	tr.SetActive(ctx, "s1", false)
	tr.SetContinuous(ctx, "u1", true)
	tr.IncrementIgnored(ctx, "s1")

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.Close()

	if !tr.GetActive(ctx, "s1") {
		t.Error("GetActive on failure = false, want true")
	}
	if tr.GetContinuous(ctx, "u1") {
		t.Error("GetContinuous on failure = true, want false")
	}
	if got := tr.GetIgnored(ctx, "s1"); got != 0 {
		t.Errorf("GetIgnored on failure = %d, want 0", got)
	}
	if _, err := tr.IncrementIgnored(ctx, "s1"); err == nil {
		t.Error("IncrementIgnored on failure: expected error")
	}
}
