package turbocache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func testOptions(overrides func(*options)) options {
	o := defaultOptions()
	if overrides != nil {
		overrides(&o)
	}
	return o
}

func TestControllerGrowthAndMigration(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(func(o *options) {
		o.rowCount = 1
		o.slotsPerRow = 16
		o.migrationBatch = 4
	})

	ctrl, err := OpenController(dir, o)
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	defer ctrl.Close()

	const n = 64
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, err := ctrl.Set(key, key); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}

	if got := ctrl.Count(); got != n {
		t.Fatalf("expected total_count == %d, got %d", n, got)
	}

	value, ok, err := ctrl.Get([]byte("k37"))
	if err != nil || !ok || string(value) != "k37" {
		t.Fatalf("get k37: value=%q ok=%v err=%v", value, ok, err)
	}

	seen := map[string]string{}
	for e, err := range ctrl.Iter() {
		if err != nil {
			t.Fatalf("iter: %v", err)
		}
		if _, dup := seen[string(e.Key)]; dup {
			t.Fatalf("duplicate key in iter: %q", e.Key)
		}
		seen[string(e.Key)] = string(e.Value)
	}
	if len(seen) != n {
		t.Fatalf("iter returned %d entries, want %d", len(seen), n)
	}
}

func TestControllerPromotesAndDropsStaging(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(func(o *options) {
		o.rowCount = 1
		o.slotsPerRow = 8
		o.migrationBatch = 64 // large enough to finish migration in one go
	})

	ctrl, err := OpenController(dir, o)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, err := ctrl.Set(key, key); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}

	if ctrl.staging != nil {
		t.Fatalf("expected migration to have completed and promoted, staging still present")
	}
	if _, err := os.Stat(filepath.Join(dir, stagingFileName)); !os.IsNotExist(err) {
		t.Fatalf("staging.tc should have been unlinked after promotion")
	}
	if _, err := os.Stat(filepath.Join(dir, promoteMarkerFileName)); !os.IsNotExist(err) {
		t.Fatalf("promote.tc marker should have been removed after promotion")
	}
}

func TestControllerDeleteDuringMigrationRoutesToBothTables(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(func(o *options) {
		o.rowCount = 1
		o.slotsPerRow = 8
		o.migrationBatch = 1
	})

	ctrl, err := OpenController(dir, o)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		ctrl.Set(key, key)
	}

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		_, existedBefore, err := ctrl.Get(key)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		_, deleted, err := ctrl.Del(key)
		if err != nil {
			t.Fatalf("del %d: %v", i, err)
		}
		if deleted != existedBefore {
			t.Fatalf("del %d reported %v but key presence was %v", i, deleted, existedBefore)
		}
		if _, ok, _ := ctrl.Get(key); ok {
			t.Fatalf("key %d still visible after delete", i)
		}
	}

	if got := ctrl.Count(); got != 0 {
		t.Fatalf("expected 0 entries after deleting all, got %d", got)
	}
}

func TestControllerReopenResumesMigration(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(func(o *options) {
		o.rowCount = 1
		o.slotsPerRow = 8
		o.migrationBatch = 1 // deliberately slow so migration is still in progress
	})

	ctrl, err := OpenController(dir, o)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, err := ctrl.Set(key, key); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	wasMigrating := ctrl.staging != nil
	if err := ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !wasMigrating {
		t.Skip("migration completed before reopen could be exercised")
	}

	reopened, err := OpenController(dir, o)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		value, ok, err := reopened.Get(key)
		if err != nil || !ok || string(value) != string(key) {
			t.Fatalf("key %d after reopen: value=%q ok=%v err=%v", i, value, ok, err)
		}
	}
}

func TestCompleteCrashedPromotionIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	live, err := OpenTable(filepath.Join(dir, liveFileName), 1, 8, 0.75, zap.NewNop())
	if err != nil {
		t.Fatalf("open live: %v", err)
	}
	live.Insert([]byte("old"), []byte("stale"))
	live.Close()

	staging, err := OpenTable(filepath.Join(dir, stagingFileName), 2, 8, 0.75, zap.NewNop())
	if err != nil {
		t.Fatalf("open staging: %v", err)
	}
	staging.Insert([]byte("new"), []byte("fresh"))
	staging.Close()

	if err := os.WriteFile(filepath.Join(dir, promoteMarkerFileName), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	// First completion does the rename+unlink+marker removal.
	if err := completeCrashedPromotion(dir); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	// A second call (simulating a crash right after the first) must be a
	// harmless no-op, not an error.
	if err := completeCrashedPromotion(dir); err != nil {
		t.Fatalf("second completion should be idempotent: %v", err)
	}

	o := testOptions(nil)
	ctrl, err := OpenController(dir, o)
	if err != nil {
		t.Fatalf("open after crash recovery: %v", err)
	}
	defer ctrl.Close()

	if ctrl.staging != nil {
		t.Fatalf("no staging should remain after a completed promotion")
	}
	if _, ok, _ := ctrl.Get([]byte("new")); !ok {
		t.Fatalf("expected promoted key to survive")
	}
}
