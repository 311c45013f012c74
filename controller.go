package turbocache

import (
	"encoding/binary"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Controller is the growth controller (§4.5): it holds a live Table and an
// optional staging Table at 2× capacity, routes every operation to the
// right one, and amortizes rehashing across many mutations instead of
// paying for a stop-the-world copy.
type Controller struct {
	mu sync.RWMutex

	dir     string
	live    *Table
	staging *Table

	migrationCursor uint32 // flat slot index (row*slotsPerRow + slot) into live
	migrationBatch  int
	loadThreshold   float64

	logger *zap.Logger
}

// OpenController opens or creates the controller's directory state: it
// completes any crashed promotion, opens live.tc, and reattaches staging.tc
// (with its persisted migration cursor) if present (§3.3, §4.6).
func OpenController(dir string, opts options) (*Controller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("create cache directory", err)
	}

	c := &Controller{
		dir:            dir,
		migrationBatch: opts.migrationBatch,
		loadThreshold:  opts.loadThreshold,
		logger:         opts.logger,
	}

	promotePath := filepath.Join(dir, promoteMarkerFileName)
	if _, err := os.Stat(promotePath); err == nil {
		if cerr := completeCrashedPromotion(dir); cerr != nil {
			return nil, cerr
		}
	} else if !os.IsNotExist(err) {
		return nil, ioErr("stat promote marker", err)
	}

	livePath := filepath.Join(dir, liveFileName)
	live, err := OpenTable(livePath, opts.rowCount, opts.slotsPerRow, opts.loadThreshold, opts.logger)
	if err != nil {
		return nil, err
	}
	c.live = live

	stagingPath := filepath.Join(dir, stagingFileName)
	if _, err := os.Stat(stagingPath); err == nil {
		staging, serr := OpenTable(stagingPath, opts.rowCount*2, opts.slotsPerRow, opts.loadThreshold, opts.logger)
		if serr != nil {
			live.Close()
			return nil, serr
		}
		c.staging = staging
		c.migrationCursor = loadCursor(dir)
		c.logger.Info("resumed interrupted migration",
			zap.String("dir", dir), zap.Uint32("cursor", c.migrationCursor))
	} else if !os.IsNotExist(err) {
		live.Close()
		return nil, ioErr("stat staging file", err)
	}

	return c, nil
}

// completeCrashedPromotion finishes a promotion that was interrupted after
// the intent marker was written but before (or partway through) the
// rename+unlink: it is idempotent, so it's safe to call even if the rename
// already succeeded (§4.6, §6.2).
func completeCrashedPromotion(dir string) error {
	livePath := filepath.Join(dir, liveFileName)
	stagingPath := filepath.Join(dir, stagingFileName)
	promotePath := filepath.Join(dir, promoteMarkerFileName)

	if _, err := os.Stat(stagingPath); err == nil {
		if err := os.Remove(livePath); err != nil && !os.IsNotExist(err) {
			return ioErr("remove old live file during crash recovery", err)
		}
		if err := os.Rename(stagingPath, livePath); err != nil {
			return ioErr("rename staging to live during crash recovery", err)
		}
	}
	if err := os.Remove(promotePath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove promote marker during crash recovery", err)
	}
	cursorPath := filepath.Join(dir, migrationCursorFileName)
	if err := os.Remove(cursorPath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove migration cursor sidecar during crash recovery", err)
	}
	return nil
}

func loadCursor(dir string) uint32 {
	b, err := os.ReadFile(filepath.Join(dir, migrationCursorFileName))
	if err != nil || len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *Controller) persistCursor() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], c.migrationCursor)
	path := filepath.Join(c.dir, migrationCursorFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ioErr("persist migration cursor", err)
	}
	defer f.Close()
	if _, err := f.Write(b[:]); err != nil {
		return ioErr("persist migration cursor", err)
	}
	if err := f.Sync(); err != nil {
		return ioErr("persist migration cursor", err)
	}
	return nil
}

// Set routes an insert per the §4.5 state machine: serve from live while
// Steady, transitioning to Migrating on RowFull or saturation; serve from
// staging (with a live-side release) while Migrating, followed by a
// migration step.
func (c *Controller) Set(key, value []byte) (InsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.staging == nil {
		res, err := c.live.Insert(key, value)
		switch {
		case err == errRowFull:
			if berr := c.beginMigration(); berr != nil {
				return 0, berr
			}
			return c.setMigrating(key, value)
		case err != nil:
			return 0, err
		default:
			if c.live.IsSaturated() {
				if berr := c.beginMigration(); berr != nil {
					return 0, berr
				}
			}
			return res, nil
		}
	}
	return c.setMigrating(key, value)
}

func (c *Controller) setMigrating(key, value []byte) (InsertResult, error) {
	res, err := c.insertIntoStaging(key, value)
	if err != nil {
		return 0, err
	}
	// I1: a later insertion supersedes an earlier one in the other table.
	if _, _, rerr := c.live.Remove(key); rerr != nil {
		c.logger.Warn("failed to release superseded slot in live",
			zap.Error(rerr))
	}
	if err := c.migrationStep(); err != nil {
		return 0, err
	}
	return res, nil
}

func (c *Controller) insertIntoStaging(key, value []byte) (InsertResult, error) {
	res, err := c.staging.Insert(key, value)
	for err == errRowFull {
		if gerr := c.growStaging(); gerr != nil {
			return 0, gerr
		}
		res, err = c.staging.Insert(key, value)
	}
	if err != nil {
		return 0, err
	}
	return res, nil
}

// beginMigration opens a 2× staging table and transitions Steady→Migrating.
func (c *Controller) beginMigration() error {
	newRowCount := c.live.rowCount * 2
	path := filepath.Join(c.dir, stagingFileName)
	staging, err := OpenTable(path, newRowCount, c.live.slotsPerRow, c.loadThreshold, c.logger)
	if err != nil {
		return err
	}
	c.staging = staging
	c.migrationCursor = 0
	c.logger.Info("migration started",
		zap.Uint32("liveRows", c.live.rowCount), zap.Uint32("stagingRows", newRowCount))
	return c.persistCursor()
}

// growStaging doubles staging's capacity again when it saturates before
// live finishes draining into it (kept shallow in practice per §4.5's note
// on choosing threshold/batch so staging drains first).
func (c *Controller) growStaging() error {
	oldStaging := c.staging
	newRowCount := oldStaging.rowCount * 2
	newPath := filepath.Join(c.dir, stagingFileName+".grow")
	os.Remove(newPath)

	newStaging, err := OpenTable(newPath, newRowCount, oldStaging.slotsPerRow, c.loadThreshold, c.logger)
	if err != nil {
		return err
	}
	for e, serr := range oldStaging.Scan() {
		if serr != nil {
			newStaging.Close()
			os.Remove(newPath)
			return serr
		}
		if _, ierr := newStaging.Insert(e.Key, e.Value); ierr != nil {
			newStaging.Close()
			os.Remove(newPath)
			return ierr
		}
	}
	if err := newStaging.Sync(); err != nil {
		return err
	}

	stagingPath := oldStaging.path
	if err := oldStaging.Close(); err != nil {
		return err
	}
	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove old staging file", err)
	}
	if err := os.Rename(newPath, stagingPath); err != nil {
		return ioErr("rename grown staging into place", err)
	}
	newStaging.path = stagingPath
	c.staging = newStaging
	c.logger.Warn("staging saturated mid-migration, grew again",
		zap.Uint32("newRows", newRowCount))
	return nil
}

// migrationStep moves up to migrationBatch entries from live into staging,
// starting at migrationCursor, and promotes staging to live once the cursor
// has swept every row and live holds no more Occupied slots (I3).
func (c *Controller) migrationStep() error {
	if c.staging == nil {
		return nil
	}

	total := c.live.rowCount * c.live.slotsPerRow
	moved := 0
	for moved < c.migrationBatch && c.migrationCursor < total {
		rowIdx := c.migrationCursor / c.live.slotsPerRow
		slotIdx := c.migrationCursor % c.live.slotsPerRow
		c.migrationCursor++

		if rowIdx >= c.live.rowCount {
			c.logger.Error("migration cursor out of range",
				zap.Uint32("cursor", c.migrationCursor), zap.Uint32("liveRows", c.live.rowCount))
			return ioErr("migration step", errShardOutOfRange)
		}

		r := row{table: c.live, index: rowIdx}
		c.live.mu.Lock()
		s := r.readSlot(slotIdx)
		c.live.mu.Unlock()
		if s.State != SlotOccupied {
			continue
		}

		blob, err := c.live.log.readAt(int64(s.Offset), int(s.KeyLen)+int(s.ValLen))
		if err != nil {
			return err
		}
		key := blob[:s.KeyLen]
		value := blob[s.KeyLen:]

		// If staging already holds this key, the route step set it there
		// and staging's copy is the newer one: the migrated copy is
		// discarded, and live's slot is still released below.
		_, inStaging, lerr := c.staging.Lookup(key)
		if lerr != nil {
			return lerr
		}
		if !inStaging {
			if _, err := c.insertIntoStaging(key, value); err != nil {
				return err
			}
		}

		c.live.mu.Lock()
		rerr := r.release(slotIdx)
		if rerr == nil {
			c.live.occupied--
		}
		c.live.mu.Unlock()
		if rerr != nil {
			return rerr
		}
		moved++
	}

	if err := c.persistCursor(); err != nil {
		return err
	}

	if c.migrationCursor >= total && c.live.occupiedCount() == 0 {
		return c.promote()
	}
	return nil
}

// promote swaps staging in for live: fsync staging, write a durable intent
// marker, then unlink the old live file and rename staging into its place
// (§4.5's Promote step). The marker makes a crash between the unlink and
// the rename recoverable on reopen.
func (c *Controller) promote() error {
	if err := c.staging.Sync(); err != nil {
		return err
	}

	promotePath := filepath.Join(c.dir, promoteMarkerFileName)
	if err := os.WriteFile(promotePath, nil, 0o644); err != nil {
		return ioErr("write promote marker", err)
	}
	if err := syncDir(c.dir); err != nil {
		return err
	}

	livePath := filepath.Join(c.dir, liveFileName)
	stagingPath := c.staging.path

	if err := c.live.Close(); err != nil {
		return err
	}
	if err := os.Remove(livePath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove old live file", err)
	}
	if err := os.Rename(stagingPath, livePath); err != nil {
		return ioErr("rename staging to live", err)
	}
	c.staging.path = livePath
	c.live = c.staging
	c.staging = nil
	c.migrationCursor = 0

	if err := os.Remove(promotePath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove promote marker", err)
	}
	cursorPath := filepath.Join(c.dir, migrationCursorFileName)
	if err := os.Remove(cursorPath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove migration cursor sidecar", err)
	}
	c.logger.Info("promotion complete", zap.String("dir", c.dir))
	return nil
}

// Get routes a lookup: staging first (it shadows live for any key already
// migrated or freshly set), falling back to live.
func (c *Controller) Get(key []byte) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.staging != nil {
		v, ok, err := c.staging.Lookup(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return c.live.Lookup(key)
}

// Del routes a delete to whichever table the key lands in, then — while
// Migrating — runs a migration step as any other mutation does.
func (c *Controller) Del(key []byte) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var value []byte
	var found bool
	var err error

	if c.staging != nil {
		value, found, err = c.staging.Remove(key)
		if err != nil {
			return nil, false, err
		}
	}
	if !found {
		value, found, err = c.live.Remove(key)
		if err != nil {
			return nil, false, err
		}
	}
	if c.staging != nil {
		if merr := c.migrationStep(); merr != nil {
			return nil, false, merr
		}
	}
	return value, found, nil
}

// Count sums Occupied slots across live and staging (§6.1's total_count).
func (c *Controller) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.live.occupiedCount()
	if c.staging != nil {
		n += c.staging.occupiedCount()
	}
	return n
}

// Iter yields staging's entries (if any) followed by live's. Because the
// route step always tombstones a key's old slot in the other table before a
// mutation returns, live and staging never hold the same key Occupied at
// once, so no further de-duplication is needed here.
func (c *Controller) Iter() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		c.mu.RLock()
		staging, live := c.staging, c.live
		c.mu.RUnlock()

		if staging != nil {
			for e, err := range staging.Scan() {
				if !yield(e, err) {
					return
				}
			}
		}
		for e, err := range live.Scan() {
			if !yield(e, err) {
				return
			}
		}
	}
}

// Close closes both tables, if present.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.staging != nil {
		if serr := c.staging.Close(); serr != nil {
			err = serr
		}
	}
	if lerr := c.live.Close(); lerr != nil {
		err = lerr
	}
	return err
}

// syncDir fsyncs a directory's entry metadata so a rename/create/remove
// inside it survives a crash, not just the file contents themselves.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return ioErr("open directory for sync", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return ioErr("sync directory", err)
	}
	return nil
}
