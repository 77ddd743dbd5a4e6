package deployer

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"
)

// readSentinel returns the current reload sentinel value, or zero if there is none.
func readSentinel(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		// An unparseable sentinel is replaced by a fresh timestamp.
		return 0, nil
	}
	return value, nil
}

// writeSentinel bumps the reload sentinel. The new value is strictly greater
// than the previous one, and follows the wall clock in milliseconds when it can.
func writeSentinel(path string, now time.Time) (int64, error) {
	previous, err := readSentinel(path)
	if err != nil {
		return 0, err
	}

	next := now.UnixMilli()
	if next <= previous {
		next = previous + 1
	}

	err = writeAtomic(path, []byte(strconv.FormatInt(next, 10)+"\n"), 0o644)
	if err != nil {
		return 0, err
	}
	return next, nil
}
