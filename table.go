package turbocache

import (
	"iter"
	"os"
	"sync"

	"go.uber.org/zap"
)

// InsertResult reports which of the two successful outcomes an Insert took.
type InsertResult int

const (
	Inserted InsertResult = iota
	Replaced
)

// Entry is one (key, value) pair yielded by Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Table is one logical hash table: one file, holding a memory-mapped header
// of RowCount×SlotsPerRow slots followed by an append-only value log (§3.1,
// §4.4). It owns row and valueLog and exposes Insert/Lookup/Remove/Scan/
// IsSaturated.
type Table struct {
	mu sync.RWMutex

	path        string
	file        *os.File
	header      []byte // mmapped, read-only view of the header region
	rowCount    uint32
	slotsPerRow uint32
	headerBytes int64

	log      *valueLog
	occupied uint32 // live count of Occupied slots, maintained in memory

	loadThreshold float64
	sawRowFull    bool

	logger *zap.Logger
}

// OpenTable opens an existing table file at path, or creates one with the
// given geometry if the file doesn't exist or is empty. rowCount must be a
// power of two.
func OpenTable(path string, rowCount, slotsPerRow uint32, loadThreshold float64, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ioErr("open table file", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ioErr("stat table file", err)
	}

	if fi.Size() == 0 {
		if !isPowerOfTwo(rowCount) {
			file.Close()
			return nil, ioErr("open table", errInvalidRowCount)
		}
		if err := createTableFile(file, rowCount, slotsPerRow); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		hdr := make([]byte, fileHeaderSize)
		if _, err := file.ReadAt(hdr, 0); err != nil {
			file.Close()
			return nil, ioErr("read table header", err)
		}
		_, _, persistedRows, persistedSlots, derr := decodeFileHeader(hdr)
		if derr != nil {
			file.Close()
			return nil, derr
		}
		rowCount, slotsPerRow = persistedRows, persistedSlots
	}

	headerBytes := fileHeaderSize + int64(rowCount)*int64(slotsPerRow)*slotRecordSize

	fi, err = file.Stat()
	if err != nil {
		file.Close()
		return nil, ioErr("stat table file", err)
	}
	if fi.Size() < headerBytes {
		file.Close()
		return nil, ErrCorrupt
	}

	header, err := mmapHeader(int(file.Fd()), int(headerBytes))
	if err != nil {
		file.Close()
		return nil, err
	}

	t := &Table{
		path:          path,
		file:          file,
		header:        header,
		rowCount:      rowCount,
		slotsPerRow:   slotsPerRow,
		headerBytes:   headerBytes,
		log:           &valueLog{file: file, watermark: fi.Size()},
		loadThreshold: loadThreshold,
		logger:        logger,
	}

	if err := t.recover(); err != nil {
		munmapHeader(header)
		file.Close()
		return nil, err
	}

	return t, nil
}

func createTableFile(file *os.File, rowCount, slotsPerRow uint32) error {
	headerBytes := fileHeaderSize + int64(rowCount)*int64(slotsPerRow)*slotRecordSize
	if err := file.Truncate(headerBytes); err != nil {
		return ioErr("truncate new table file", err)
	}
	hdr := encodeFileHeader(rowCount, slotsPerRow)
	if _, err := file.WriteAt(hdr[:], 0); err != nil {
		return ioErr("write table header", err)
	}
	if err := file.Sync(); err != nil {
		return ioErr("sync new table file", err)
	}
	return nil
}

// recover scans every slot on open and demotes any Occupied slot whose
// offset/length would violate I4, or whose blob doesn't fit within the
// current file size, to Tombstone (§4.6). This is what makes a crash that
// left a slot mid-flip (on platforms without a sector-atomic 16-byte write)
// harmless on reopen.
func (t *Table) recover() error {
	fi, err := t.file.Stat()
	if err != nil {
		return ioErr("stat table file during recovery", err)
	}
	size := fi.Size()

	total := t.rowCount * t.slotsPerRow
	var occupied uint32
	for i := uint32(0); i < total; i++ {
		r := row{table: t, index: i / t.slotsPerRow}
		slotIdx := i % t.slotsPerRow
		s := r.readSlot(slotIdx)
		if s.State != SlotOccupied {
			continue
		}
		blobEnd := int64(s.Offset) + int64(s.KeyLen) + int64(s.ValLen)
		if int64(s.Offset) < t.headerBytes || blobEnd > size ||
			s.KeyLen > maxEntrySize || s.ValLen > maxEntrySize {
			t.logger.Warn("demoting corrupt slot on open",
				zap.String("path", t.path),
				zap.Uint32("row", r.index),
				zap.Uint32("slot", slotIdx))
			if werr := r.release(slotIdx); werr != nil {
				return werr
			}
			continue
		}
		occupied++
	}
	t.occupied = occupied
	return nil
}

// Insert implements §4.4's algorithm: row scan for an existing Occupied
// match (Replaced), else claim an Empty/Tombstone slot (Inserted), else
// errRowFull.
func (t *Table) Insert(key, value []byte) (InsertResult, error) {
	if len(key) > maxEntrySize || len(value) > maxEntrySize {
		return 0, ErrInputTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fp := newFingerprint(key)
	r := row{table: t, index: fp.Row(t.rowCount)}

	slotIdx, isUpdate, err := r.claimForWrite(fp, key)
	if err != nil {
		if err == errRowFull {
			t.sawRowFull = true
		}
		return 0, err
	}

	blob := make([]byte, 0, len(key)+len(value))
	blob = append(blob, key...)
	blob = append(blob, value...)
	offset, err := t.log.append(blob)
	if err != nil {
		return 0, err
	}

	newSlot := Slot{
		State:  SlotOccupied,
		Tag:    fp.Tag(),
		KeyLen: uint16(len(key)),
		ValLen: uint16(len(value)),
		Offset: uint64(offset),
	}
	if err := r.writeSlot(slotIdx, newSlot); err != nil {
		return 0, err
	}

	if isUpdate {
		return Replaced, nil
	}
	t.occupied++
	return Inserted, nil
}

// Lookup implements §4.4's lookup algorithm: one row scan, plus at most one
// value-log read for the matching tag (P6).
func (t *Table) Lookup(key []byte) ([]byte, bool, error) {
	if len(key) > maxEntrySize {
		return nil, false, ErrInputTooLarge
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	fp := newFingerprint(key)
	r := row{table: t, index: fp.Row(t.rowCount)}

	_, s, blob, found, err := r.findForRead(fp, key)
	if err != nil || !found {
		return nil, false, err
	}
	value := make([]byte, s.ValLen)
	copy(value, blob[s.KeyLen:])
	return value, true, nil
}

// Remove locates a key as Lookup does, then demotes its slot to Tombstone.
func (t *Table) Remove(key []byte) ([]byte, bool, error) {
	if len(key) > maxEntrySize {
		return nil, false, ErrInputTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fp := newFingerprint(key)
	r := row{table: t, index: fp.Row(t.rowCount)}

	slotIdx, s, blob, found, err := r.findForRead(fp, key)
	if err != nil || !found {
		return nil, false, err
	}

	if err := r.release(slotIdx); err != nil {
		return nil, false, err
	}
	t.occupied--

	value := make([]byte, s.ValLen)
	copy(value, blob[s.KeyLen:])
	return value, true, nil
}

// Scan yields every Occupied (key, value) pair in row-major, slot order —
// not insertion order (§4.4). It is a lazy, non-restartable sequence (§9):
// call Scan again for a fresh pass.
func (t *Table) Scan() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		t.mu.RLock()
		total := t.rowCount * t.slotsPerRow
		t.mu.RUnlock()

		for i := uint32(0); i < total; i++ {
			t.mu.RLock()
			r := row{table: t, index: i / t.slotsPerRow}
			s := r.readSlot(i % t.slotsPerRow)
			t.mu.RUnlock()

			if s.State != SlotOccupied {
				continue
			}
			blob, err := t.log.readAt(int64(s.Offset), int(s.KeyLen)+int(s.ValLen))
			if err != nil {
				if !yield(Entry{}, err) {
					return
				}
				continue
			}
			key := append([]byte(nil), blob[:s.KeyLen]...)
			value := append([]byte(nil), blob[s.KeyLen:]...)
			if !yield(Entry{Key: key, Value: value}, nil) {
				return
			}
		}
	}
}

// IsSaturated reports whether the table's load factor has crossed
// loadThreshold, or whether any insert has ever reported RowFull (§4.4).
func (t *Table) IsSaturated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sawRowFull {
		return true
	}
	capacity := float64(t.rowCount) * float64(t.slotsPerRow)
	return float64(t.occupied)/capacity > t.loadThreshold
}

func (t *Table) occupiedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.occupied)
}

// Sync flushes the table's file to stable storage.
func (t *Table) Sync() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.file.Sync(); err != nil {
		return ioErr("sync table file", err)
	}
	return nil
}

// Close unmaps the header and closes the underlying file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		munmapHeader(t.header)
		t.file.Close()
		return ioErr("sync table file on close", err)
	}
	if err := munmapHeader(t.header); err != nil {
		t.file.Close()
		return err
	}
	if err := t.file.Close(); err != nil {
		return ioErr("close table file", err)
	}
	return nil
}
