// Package wal provides the append-only write-ahead log bridge.
//
// The WAL is the authoritative store for the ledger projection and the DLQ
// terminal audit. The bridge contract is intentionally small: Append assigns
// a monotonic offset and is durable at least to the OS page cache on return;
// Replay re-delivers every persisted record exactly once in offset order.
//
// The file format is one JSON envelope per line with a CRC32 over the
// envelope body. A torn tail line (crash mid-append) is detected and
// ignored on replay.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is the WAL event envelope.
type Record struct {
	Offset    uint64          `json:"offset"`
	Namespace string          `json:"namespace"`
	Operation string          `json:"operation"`
	Path      string          `json:"path"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"ts_ms"`
}

// line is the on-disk frame: the record plus a checksum over its JSON bytes.
type line struct {
	Record Record `json:"record"`
	CRC32  uint32 `json:"crc32"`
}

// Sink is the append capability consumed by the ledger and the DLQ audit.
type Sink interface {
	Append(ctx context.Context, namespace, operation, key string, payload any) (uint64, error)
}

// Replayer is the recovery capability consumed at boot.
type Replayer interface {
	Replay(ctx context.Context, handler func(Record) error) error
}

var ErrClosed = errors.New("wal: closed")

// Log is a file-backed WAL. Appends serialize on an internal mutex: the WAL
// is single-writer per process.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	next   uint64
	closed bool
	logger *slog.Logger
}

// Open opens (or creates) the WAL at path and scans it to find the next
// offset. Corrupt or torn tail records are skipped without error.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal open %s: %w", path, err)
	}

	l := &Log{f: f, w: bufio.NewWriter(f), logger: logger}

	// Scan existing records to recover the offset counter.
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		rec, ok := decodeLine(scanner.Bytes())
		if !ok {
			// Torn or corrupt tail; everything after it is untrusted.
			l.logger.Warn("wal: corrupt record during open, truncating scan",
				"path", path, "next_offset", l.next)
			break
		}
		l.next = rec.Offset + 1
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal scan %s: %w", path, err)
	}
	return l, nil
}

// Append writes one record and returns its offset. A successful return means
// the record reached the OS page cache (bufio flush + write syscall).
func (l *Log) Append(ctx context.Context, namespace, operation, key string, payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	rec := Record{
		Offset:    l.next,
		Namespace: namespace,
		Operation: operation,
		Path:      key,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
	frame, err := encodeLine(rec)
	if err != nil {
		return 0, err
	}
	if _, err := l.w.Write(frame); err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, fmt.Errorf("wal flush: %w", err)
	}
	l.next = rec.Offset + 1
	return rec.Offset, nil
}

// Replay re-delivers every persisted record in order. It stops at the first
// corrupt record (crash tail) without treating it as an error.
func (l *Log) Replay(ctx context.Context, handler func(Record) error) error {
	l.mu.Lock()
	path := l.f.Name()
	if err := l.w.Flush(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("wal flush before replay: %w", err)
	}
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal replay open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := decodeLine(scanner.Bytes())
		if !ok {
			l.logger.Warn("wal: corrupt record during replay, stopping", "path", path)
			return nil
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// NextOffset returns the offset the next append will receive.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func encodeLine(rec Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wal marshal record: %w", err)
	}
	frame, err := json.Marshal(line{Record: rec, CRC32: crc32.ChecksumIEEE(body)})
	if err != nil {
		return nil, fmt.Errorf("wal marshal frame: %w", err)
	}
	return append(frame, '\n'), nil
}

func decodeLine(b []byte) (Record, bool) {
	var ln line
	if err := json.Unmarshal(b, &ln); err != nil {
		return Record{}, false
	}
	body, err := json.Marshal(ln.Record)
	if err != nil {
		return Record{}, false
	}
	if crc32.ChecksumIEEE(body) != ln.CRC32 {
		return Record{}, false
	}
	return ln.Record, true
}
