package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// writeAtomic writes data to path via write-to-temp, fsync, atomic rename —
// the discipline every single-record file in the checkpoint tree uses.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// readFile reads a single-record file, reporting absence (not an error) if
// it does not exist.
func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// appendFramedRecord appends one (length, payload, checksum) frame to the
// append-only log at path, fsyncing before returning — durability is
// synchronous from the caller's point of view.
func appendFramedRecord(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	sum := xxhash.Sum64(payload)
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], sum)

	if _, err := f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("append length to %s: %w", path, err)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("append payload to %s: %w", path, err)
	}
	if _, err := f.Write(sumBuf[:]); err != nil {
		return fmt.Errorf("append checksum to %s: %w", path, err)
	}
	return f.Sync()
}

// readFramedRecords replays every well-formed frame in the append-only log
// at path. A truncated or checksum-mismatched tail record is treated as
// absent, not an error — the log is a crash-consistent prefix of what was
// durably appended.
func readFramedRecords(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records [][]byte

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break // short read of the length prefix: truncated tail, stop.
		}
		n := binary.BigEndian.Uint32(lenBuf[:])

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // truncated payload.
		}

		var sumBuf [8]byte
		if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
			break // truncated checksum.
		}
		want := binary.BigEndian.Uint64(sumBuf[:])
		if xxhash.Sum64(payload) != want {
			break // checksum mismatch: torn write, treat as absent.
		}

		records = append(records, payload)
	}

	return records, nil
}
