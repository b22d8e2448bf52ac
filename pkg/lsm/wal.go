package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// WAL is the append-only recovery log for one LSM instance's active
// memtable epoch (C3). Record framing is [u32 len][payload], payload being
// a tuplemodel-encoded Tuple; a torn write at the tail (a record whose
// declared length runs past EOF) is the expected shape of a crash mid-append
// and recovery stops cleanly there rather than treating it as corruption.
type WAL struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	durable bool
}

// OpenWAL opens (creating if absent) the log file at path. When durable is
// true, every Append fsyncs before returning.
func OpenWAL(path string, durable bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, engineerr.IO("OpenWAL", err)
	}
	return &WAL{path: path, f: f, w: bufio.NewWriter(f), durable: durable}, nil
}

// Append writes one tuple as a length-prefixed record.
func (l *WAL) Append(t tuplemodel.Tuple) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var bw bytes.Buffer
	if err := tuplemodel.Encode(&bw, t); err != nil {
		return engineerr.IO("WAL.Append", err)
	}
	body := bw.Bytes()

	if err := binary.Write(l.w, binary.LittleEndian, uint32(len(body))); err != nil {
		return engineerr.IO("WAL.Append", err)
	}
	if _, err := l.w.Write(body); err != nil {
		return engineerr.IO("WAL.Append", err)
	}
	if err := l.w.Flush(); err != nil {
		return engineerr.IO("WAL.Append", err)
	}
	if l.durable {
		if err := l.f.Sync(); err != nil {
			return engineerr.IO("WAL.Append", err)
		}
	}
	return nil
}

// AppendBatch writes every tuple as a length-prefixed record under a single
// flush/fsync, so put_batch (spec.md §4.5/§6.3) pays one durability cost
// instead of one per tuple.
func (l *WAL) AppendBatch(tuples []tuplemodel.Tuple) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range tuples {
		var bw bytes.Buffer
		if err := tuplemodel.Encode(&bw, t); err != nil {
			return engineerr.IO("WAL.AppendBatch", err)
		}
		body := bw.Bytes()

		if err := binary.Write(l.w, binary.LittleEndian, uint32(len(body))); err != nil {
			return engineerr.IO("WAL.AppendBatch", err)
		}
		if _, err := l.w.Write(body); err != nil {
			return engineerr.IO("WAL.AppendBatch", err)
		}
	}
	if err := l.w.Flush(); err != nil {
		return engineerr.IO("WAL.AppendBatch", err)
	}
	if l.durable {
		if err := l.f.Sync(); err != nil {
			return engineerr.IO("WAL.AppendBatch", err)
		}
	}
	return nil
}

// RecoverWAL replays every well-formed record from the beginning of the file,
// stopping at the first truncated record (EOF mid-length or mid-payload)
// without treating it as an error — that tail belongs to an in-flight
// append that never completed before a crash.
func RecoverWAL(path string) ([]tuplemodel.Tuple, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, engineerr.IO("RecoverWAL", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []tuplemodel.Tuple
	for {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			break // clean EOF or torn length prefix: stop either way
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			break // torn payload: stop cleanly
		}
		t, err := tuplemodel.Decode(bytes.NewReader(body))
		if err != nil {
			break // torn/corrupt payload: stop cleanly
		}
		out = append(out, t)
	}
	return out, nil
}

// Truncate resets the log to empty, used once its contents have been
// durably flushed into an SSTable and are no longer needed for recovery.
func (l *WAL) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Truncate(0); err != nil {
		return engineerr.IO("WAL.Truncate", err)
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return engineerr.IO("WAL.Truncate", err)
	}
	l.w = bufio.NewWriter(l.f)
	return nil
}

// Close flushes and closes the underlying file.
func (l *WAL) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return engineerr.IO("WAL.Close", err)
	}
	if err := l.f.Close(); err != nil {
		return engineerr.IO("WAL.Close", err)
	}
	return nil
}

// Path returns the file path backing this log.
func (l *WAL) Path() string { return l.path }
