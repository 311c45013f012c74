package turbocache

import "bytes"

// row is the indexed entry point for a key: a fixed-width group of
// SlotsPerRow slots sharing a row selector, and the sole probing domain for
// any key assigned to it (§4.2 — no cross-row probing is ever performed).
type row struct {
	table *Table
	index uint32
}

// slotOffset returns the absolute byte offset of slot slotIdx within r's row.
func (r row) slotOffset(slotIdx uint32) int64 {
	global := r.index*r.table.slotsPerRow + slotIdx
	return fileHeaderSize + int64(global)*slotRecordSize
}

// readSlot decodes the slot record directly from the mmapped header.
func (r row) readSlot(slotIdx uint32) Slot {
	off := r.slotOffset(slotIdx)
	return decodeSlot(r.table.header[off : off+slotRecordSize])
}

// writeSlot overwrites a slot record with a single positioned write, so
// readers going through the mmapped header observe a page-cache-coherent
// update (§5) rather than a direct memory mutation.
func (r row) writeSlot(slotIdx uint32, s Slot) error {
	rec := encodeSlot(s)
	off := r.slotOffset(slotIdx)
	if _, err := r.table.file.WriteAt(rec[:], off); err != nil {
		return ioErr("write slot", err)
	}
	return nil
}

// findForRead scans the row for a key, reading the row's candidate blobs
// from the value log to confirm a match. It returns the matching slot and
// its already-read (key‖value) blob so the caller need not re-read the log.
// Tombstones are skipped but never terminate the scan (§4.2); since a row is
// not a probe chain compacted on delete, an Empty slot doesn't either — the
// key could be stored in any slot of the row.
func (r row) findForRead(fp Fingerprint, key []byte) (slotIdx uint32, slot Slot, blob []byte, found bool, err error) {
	for i := uint32(0); i < r.table.slotsPerRow; i++ {
		s := r.readSlot(i)
		if s.State != SlotOccupied || s.Tag != fp.Tag() {
			continue
		}
		b, rerr := r.table.log.readAt(int64(s.Offset), int(s.KeyLen)+int(s.ValLen))
		if rerr != nil {
			return 0, Slot{}, nil, false, rerr
		}
		if bytes.Equal(b[:s.KeyLen], key) {
			return i, s, b, true, nil
		}
	}
	return 0, Slot{}, nil, false, nil
}

// claimForWrite finds a slot to serve an insert: an existing Occupied slot
// for the same key (update), or else the first Empty-or-Tombstone slot
// (claim). Returns errRowFull if neither exists anywhere in the row.
func (r row) claimForWrite(fp Fingerprint, key []byte) (slotIdx uint32, isUpdate bool, err error) {
	firstFree := -1
	for i := uint32(0); i < r.table.slotsPerRow; i++ {
		s := r.readSlot(i)
		switch s.State {
		case SlotEmpty, SlotTombstone:
			if firstFree == -1 {
				firstFree = int(i)
			}
		case SlotOccupied:
			if s.Tag != fp.Tag() {
				continue
			}
			kb, rerr := r.table.log.readAt(int64(s.Offset), int(s.KeyLen))
			if rerr != nil {
				return 0, false, rerr
			}
			if bytes.Equal(kb, key) {
				return i, true, nil
			}
		}
	}
	if firstFree >= 0 {
		return uint32(firstFree), false, nil
	}
	return 0, false, errRowFull
}

// release demotes a slot to Tombstone. Tag/lengths/offset are left
// undefined per §3.1 (zeroed here); only State matters once a slot is a
// tombstone.
func (r row) release(slotIdx uint32) error {
	return r.writeSlot(slotIdx, Slot{State: SlotTombstone})
}
