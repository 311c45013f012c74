package turbocache

import "encoding/binary"

// On-disk layout constants, bit-exact per the format this package persists.
// All multi-byte fields are little-endian.
const (
	magicNumber   uint32 = 0x5455_4243 // "TUBC"
	formatVersion uint32 = 1

	// fileHeaderSize is the fixed 16-byte magic+version+geometry block that
	// precedes the slot array.
	fileHeaderSize int64 = 16

	// slotRecordSize is the fixed width of one slot record.
	slotRecordSize int64 = 16

	// maxEntrySize caps both key and value length.
	maxEntrySize = 4096

	liveFileName            = "live.tc"
	stagingFileName         = "staging.tc"
	promoteMarkerFileName   = "promote.tc"
	migrationCursorFileName = ".migration_cursor"
)

// encodeFileHeader renders the 16-byte magic+version+geometry block.
func encodeFileHeader(rowCount, slotsPerRow uint32) [fileHeaderSize]byte {
	var b [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], magicNumber)
	binary.LittleEndian.PutUint32(b[4:8], formatVersion)
	binary.LittleEndian.PutUint32(b[8:12], rowCount)
	binary.LittleEndian.PutUint32(b[12:16], slotsPerRow)
	return b
}

// decodeFileHeader parses the 16-byte magic+version+geometry block.
func decodeFileHeader(b []byte) (magic, version, rowCount, slotsPerRow uint32, err error) {
	if len(b) < int(fileHeaderSize) {
		return 0, 0, 0, 0, ErrCorrupt
	}
	magic = binary.LittleEndian.Uint32(b[0:4])
	version = binary.LittleEndian.Uint32(b[4:8])
	rowCount = binary.LittleEndian.Uint32(b[8:12])
	slotsPerRow = binary.LittleEndian.Uint32(b[12:16])
	if magic != magicNumber {
		return magic, version, rowCount, slotsPerRow, ErrCorrupt
	}
	if version != formatVersion {
		return magic, version, rowCount, slotsPerRow, ErrCorrupt
	}
	return magic, version, rowCount, slotsPerRow, nil
}

// SlotState is the tagged state of one slot record (§9: a typed choice with
// three variants, not sentinels hidden in the offset field).
type SlotState byte

const (
	SlotEmpty     SlotState = 0
	SlotOccupied  SlotState = 1
	SlotTombstone SlotState = 2
)

// Slot is the in-memory form of one 16-byte header record.
type Slot struct {
	State  SlotState
	Tag    uint16
	KeyLen uint16
	ValLen uint16
	Offset uint64
}

// encodeSlot renders a Slot to its 16-byte on-disk record.
func encodeSlot(s Slot) [slotRecordSize]byte {
	var b [slotRecordSize]byte
	b[0] = byte(s.State)
	b[1] = 0 // reserved
	binary.LittleEndian.PutUint16(b[2:4], s.Tag)
	binary.LittleEndian.PutUint16(b[4:6], s.KeyLen)
	binary.LittleEndian.PutUint16(b[6:8], s.ValLen)
	binary.LittleEndian.PutUint64(b[8:16], s.Offset)
	return b
}

// decodeSlot parses a 16-byte on-disk record. It never errors: an
// out-of-range state byte decodes as SlotTombstone so callers don't need a
// separate malformed-record branch; Table.recover is responsible for
// demoting slots whose payload doesn't check out.
func decodeSlot(b []byte) Slot {
	s := Slot{
		State:  SlotState(b[0]),
		Tag:    binary.LittleEndian.Uint16(b[2:4]),
		KeyLen: binary.LittleEndian.Uint16(b[4:6]),
		ValLen: binary.LittleEndian.Uint16(b[6:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
	}
	if s.State != SlotEmpty && s.State != SlotOccupied && s.State != SlotTombstone {
		s.State = SlotTombstone
	}
	return s
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
