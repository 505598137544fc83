package buffer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/watchmanio/relay/pkg/event"
)

// walFile is the append-only log backing one buffer.
//
// Record format (little endian), one record per enqueued event:
//
//	[offset u64][len u32][JSON-encoded event]
//
// A torn record at the tail (partial last write after a crash) is
// tolerated: replay stops at the first short read.
type walFile struct {
	path  string
	fsync bool

	f    *os.File
	w    *bufio.Writer
	size int64
}

// openWAL opens the log at path and replays it, returning the entries
// with offset > floor in log order.
func openWAL(path string, floor uint64, fsync bool) (*walFile, []Entry, error) {
	entries, err := replayLog(path, floor)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open buffer log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	return &walFile{
		path:  path,
		fsync: fsync,
		f:     f,
		w:     bufio.NewWriterSize(f, 256<<10),
		size:  st.Size(),
	}, entries, nil
}

// append writes one record and flushes it before returning, so a process
// crash never loses an acknowledged enqueue.
func (w *walFile) append(offset uint64, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], offset)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))

	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.fsync {
		if err := w.f.Sync(); err != nil {
			return err
		}
	}
	w.size += int64(len(hdr) + len(data))
	return nil
}

func (w *walFile) diskBytes() int64 {
	return w.size
}

// compact rewrites the log with only the live entries, atomically
// replacing the old file. The sealed temp file is fsync'd before the
// rename so the swap never loses records.
func (w *walFile) compact(live []Entry) error {
	tmp := w.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 256<<10)

	var size int64
	for i := range live {
		data, err := json.Marshal(live[i].Event)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("encode event: %w", err)
		}
		var hdr [12]byte
		binary.LittleEndian.PutUint64(hdr[0:8], live[i].Offset)
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))
		if _, err := bw.Write(hdr[:]); err != nil {
			_ = f.Close()
			return err
		}
		if _, err := bw.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		size += int64(len(hdr) + len(data))
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen buffer log after compaction: %w", err)
	}
	w.f = nf
	w.w = bufio.NewWriterSize(nf, 256<<10)
	w.size = size
	return nil
}

func (w *walFile) Close() error {
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if w.fsync {
		if err := w.f.Sync(); err != nil {
			_ = w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

// replayLog scans the log and returns the entries above the floor.
func replayLog(path string, floor uint64) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open buffer log for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 256<<10)
	var out []Entry
	for {
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil // torn tail, at most the last unflushed write
			}
			return nil, err
		}
		offset := binary.LittleEndian.Uint64(hdr[0:8])
		n := binary.LittleEndian.Uint32(hdr[8:12])
		if n > 2*event.MaxPayloadBytes {
			return nil, fmt.Errorf("%w: record length %d at offset %d", ErrCorruptLog, n, offset)
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, err
		}
		if offset <= floor {
			continue // acknowledged or evicted before the crash
		}

		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: undecodable record at offset %d: %v", ErrCorruptLog, offset, err)
		}
		out = append(out, Entry{Offset: offset, Event: ev, size: event.EncodedSize(ev)})
	}
}
