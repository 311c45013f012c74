package turbocache

import (
	"os"
	"sync"
)

// valueLog is the append-only byte region of a table file that starts
// immediately after the header (§3.1, §4.3). Entries are written
// back-to-back as key‖value with no per-entry framing; framing lives in the
// slot that points at them.
type valueLog struct {
	mu        sync.Mutex
	file      *os.File
	watermark int64 // current end of the log; equals file size
}

// append writes blob at the current watermark using a positioned write and
// advances the watermark. The previous blob at a replaced slot's old offset,
// if any, becomes stranded garbage — reclaimed only by the next growth
// rebuild (§4.3).
func (v *valueLog) append(blob []byte) (offset int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	offset = v.watermark
	if _, err := v.file.WriteAt(blob, offset); err != nil {
		return 0, ioErr("append value log", err)
	}
	v.watermark += int64(len(blob))
	return offset, nil
}

// readAt performs a positioned read of length bytes starting at offset,
// disturbing neither the log's append watermark nor any file cursor.
func (v *valueLog) readAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := v.file.ReadAt(buf, offset); err != nil {
		return nil, ioErr("read value log", err)
	}
	return buf, nil
}

func (v *valueLog) size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.watermark
}
