package buffer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// cursor is the small sidecar file next to the log. Floor is the highest
// offset removed from the live window (by acknowledge or eviction); Next
// is the next offset to assign. Replay keeps log records with
// offset > Floor and resumes assignment at Next.
type cursor struct {
	Floor     uint64    `json:"floor"`
	Next      uint64    `json:"next"`
	Evicted   int64     `json:"evicted"`
	UpdatedAt time.Time `json:"updated_at"`
}

func readCursor(path string) (cursor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cursor{Next: 1}, nil
		}
		return cursor{}, fmt.Errorf("read buffer cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, fmt.Errorf("decode buffer cursor: %w", err)
	}
	return c, nil
}

// writeCursor replaces the cursor atomically (write temp, rename) so a
// crash mid-write leaves the previous cursor intact.
func writeCursor(path string, c cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
