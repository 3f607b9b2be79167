// Package wal implements an append-only write-ahead log: a sequence
// of CRC-protected records, each carrying a monotonic LSN, flushed to
// disk under one of four durability modes.
//
// The record and file layout is a fixed binary format (magic, lsn,
// op, path, payload, trailing crc32). The write-lock, background
// flusher, and torn-tail recovery are structured around group commit:
// concurrent writers queue behind one lock while a background
// goroutine batches and flushes.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Op identifies the kind of mutation a record carries.
type Op byte

const (
	OpSet        Op = 0
	OpDelete     Op = 1
	OpPush       Op = 2
	OpAddNum     Op = 3
	OpCheckpoint Op = 4
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpPush:
		return "push"
	case OpAddNum:
		return "add-num"
	case OpCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

const magic uint32 = 0x4C41574B // "KWAL" little-endian

// Record is one WAL entry.
type Record struct {
	LSN     uint64
	Op      Op
	Path    string
	Payload []byte
}

// Durability selects how aggressively the WAL fsyncs.
type Durability int

const (
	DurabilityNone Durability = iota
	DurabilityLazy
	DurabilityBatched
	DurabilitySync
)

func ParseDurability(s string) (Durability, error) {
	switch s {
	case "", "none":
		return DurabilityNone, nil
	case "lazy":
		return DurabilityLazy, nil
	case "batched":
		return DurabilityBatched, nil
	case "sync":
		return DurabilitySync, nil
	default:
		return 0, fmt.Errorf("wal: unknown durability mode %q", s)
	}
}

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityLazy:
		return "lazy"
	case DurabilityBatched:
		return "batched"
	case DurabilitySync:
		return "sync"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

// Options configures a WAL instance.
type Options struct {
	Durability   Durability
	BatchSize    int           // walBatchSize, default 1000
	FlushEvery   time.Duration // walFlushMs, default 10ms
	LazyInterval time.Duration // lazy mode fsync period, default 100ms
	Logger       *slog.Logger
}

// WAL manages one append-only log file. Appends are serialized by
// writeLock; a background goroutine owns timed fsync scheduling for
// lazy/batched modes. The one exception is batched mode's size
// trigger: the Append that brings the pending count to BatchSize
// fsyncs inline.
type WAL struct {
	path   string
	opt    Options
	logger *slog.Logger

	writeLock sync.Mutex
	file      *os.File
	bw        *bufio.Writer
	nextLSN   uint64
	writeErr  error

	durableLSN    uint64
	durableLSNMu  sync.Mutex
	pendingSync   []chan struct{}
	flusherStop   chan struct{}
	flusherDone   chan struct{}
	dirtySince    time.Time
	pendingRecord int
}

// Open opens (creating if necessary) the WAL file at path and starts
// its background flusher, if the durability mode needs one.
func Open(path string, opt Options) (*WAL, error) {
	if opt.BatchSize <= 0 {
		opt.BatchSize = 1000
	}
	if opt.FlushEvery <= 0 {
		opt.FlushEvery = 10 * time.Millisecond
	}
	if opt.LazyInterval <= 0 {
		opt.LazyInterval = 100 * time.Millisecond
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	if opt.Durability == DurabilityNone {
		return &WAL{path: path, opt: opt, logger: opt.Logger, nextLSN: 1}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	w := &WAL{
		path:    path,
		opt:     opt,
		logger:  opt.Logger,
		file:    f,
		bw:      bufio.NewWriter(f),
		nextLSN: 1,
	}

	if opt.Durability == DurabilityLazy || opt.Durability == DurabilityBatched {
		w.flusherStop = make(chan struct{})
		w.flusherDone = make(chan struct{})
		go w.flusherLoop()
	}

	return w, nil
}

// SetNextLSN seeds the LSN counter after recovery has scanned the
// existing tail.
func (w *WAL) SetNextLSN(n uint64) {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	w.nextLSN = n
}

// Append assigns the next LSN to rec, encodes it, and writes it to
// the log according to the durability mode. It returns once the
// record has been accepted: buffered in process for DurabilityBatched,
// handed to the OS for DurabilityLazy, or fsynced for DurabilitySync.
// In batched mode the Append that fills a batch of BatchSize records
// also flushes and fsyncs before returning; otherwise it does not
// block for lazy/batched fsync.
func (w *WAL) Append(op Op, path string, payload []byte) (uint64, error) {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	if w.writeErr != nil {
		return 0, w.writeErr
	}

	lsn := w.nextLSN
	w.nextLSN++

	if w.opt.Durability == DurabilityNone {
		return lsn, nil
	}

	buf := encodeRecord(lsn, op, path, payload)
	if _, err := w.bw.Write(buf); err != nil {
		w.writeErr = fmt.Errorf("wal: append: %w", err)
		return lsn, w.writeErr
	}

	switch w.opt.Durability {
	case DurabilitySync:
		if err := w.flushAndSyncLocked(); err != nil {
			w.writeErr = err
			return lsn, err
		}
		w.setDurable(lsn)
	case DurabilityBatched:
		w.pendingRecord++
		if w.dirtySince.IsZero() {
			w.dirtySince = time.Now()
		}
		if w.pendingRecord >= w.opt.BatchSize {
			if err := w.flushAndSyncLocked(); err != nil {
				w.writeErr = err
				return lsn, err
			}
			w.pendingRecord = 0
			w.dirtySince = time.Time{}
			w.setDurable(lsn)
		}
	case DurabilityLazy:
		if err := w.bw.Flush(); err != nil {
			w.writeErr = fmt.Errorf("wal: flush: %w", err)
			return lsn, w.writeErr
		}
	}

	return lsn, nil
}

func (w *WAL) flushAndSyncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

func (w *WAL) setDurable(lsn uint64) {
	w.durableLSNMu.Lock()
	if lsn > w.durableLSN {
		w.durableLSN = lsn
	}
	w.durableLSNMu.Unlock()
}

// Sync blocks until every record accepted so far has been fsynced,
// regardless of durability mode.
func (w *WAL) Sync() error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	if w.opt.Durability == DurabilityNone || w.file == nil {
		return nil
	}
	lsn := w.nextLSN - 1
	if err := w.flushAndSyncLocked(); err != nil {
		return err
	}
	w.pendingRecord = 0
	w.dirtySince = time.Time{}
	w.setDurable(lsn)
	return nil
}

// Status reports durability enablement and the highest durable LSN.
type Status struct {
	Enabled    bool
	Durability Durability
	DurableLSN uint64
	NextLSN    uint64
}

func (w *WAL) Status() Status {
	w.writeLock.Lock()
	next := w.nextLSN
	w.writeLock.Unlock()
	w.durableLSNMu.Lock()
	durable := w.durableLSN
	w.durableLSNMu.Unlock()
	return Status{
		Enabled:    w.opt.Durability != DurabilityNone,
		Durability: w.opt.Durability,
		DurableLSN: durable,
		NextLSN:    next,
	}
}

func (w *WAL) flusherLoop() {
	defer close(w.flusherDone)
	interval := w.opt.FlushEvery
	if w.opt.Durability == DurabilityLazy {
		interval = w.opt.LazyInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.flusherStop:
			return
		case <-ticker.C:
			w.writeLock.Lock()
			if w.opt.Durability == DurabilityBatched && w.pendingRecord > 0 {
				lsn := w.nextLSN - 1
				if err := w.flushAndSyncLocked(); err != nil {
					w.writeErr = err
				} else {
					w.pendingRecord = 0
					w.dirtySince = time.Time{}
					w.setDurable(lsn)
				}
			} else if w.opt.Durability == DurabilityLazy {
				if err := w.file.Sync(); err == nil {
					w.setDurable(w.nextLSN - 1)
				}
			}
			w.writeLock.Unlock()
		}
	}
}

// Close stops the background flusher and closes the underlying file.
func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	if w.flusherStop != nil {
		close(w.flusherStop)
		<-w.flusherDone
	}
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Checkpoint truncates the log to a single checkpoint marker record,
// called after the caller has durably written a fresh snapshot. It is
// not safe to call concurrently with Append.
func (w *WAL) Checkpoint(checkpointLSN uint64) error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.bw = bufio.NewWriter(w.file)
	buf := encodeRecord(checkpointLSN, OpCheckpoint, "", nil)
	if _, err := w.bw.Write(buf); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	w.pendingRecord = 0
	w.dirtySince = time.Time{}
	w.setDurable(checkpointLSN)
	return nil
}

func encodeRecord(lsn uint64, op Op, path string, payload []byte) []byte {
	pathB := []byte(path)
	size := 4 + 8 + 1 + 4 + len(pathB) + 4 + len(payload) + 4
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], magic)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], lsn)
	off += 8
	buf[off] = byte(op)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(pathB)))
	off += 4
	off += copy(buf[off:], pathB)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(payload)))
	off += 4
	off += copy(buf[off:], payload)
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return buf
}

// Replay walks every well-formed record in the file at path in order,
// invoking fn for each one whose LSN is greater than fromLSN. It stops
// at the first record that fails its CRC or is truncated mid-record
// and returns the byte offset of the last
// good record boundary, which the caller should truncate the file to.
func Replay(path string, fromLSN uint64, fn func(Record) error) (goodOffset int64, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var offset int64
	for {
		rec, n, rerr := decodeRecord(br)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// torn tail or corruption: stop, keep everything before it
			break
		}
		offset += int64(n)
		if rec.Op == OpCheckpoint {
			continue
		}
		if rec.LSN > fromLSN {
			if err := fn(*rec); err != nil {
				return offset, err
			}
		}
	}
	return offset, nil
}

func decodeRecord(br *bufio.Reader) (*Record, int, error) {
	header := make([]byte, 4+8+1+4)
	n, err := io.ReadFull(br, header)
	if err != nil {
		if n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}
	total := n
	gotMagic := binary.LittleEndian.Uint32(header[0:4])
	if gotMagic != magic {
		return nil, 0, fmt.Errorf("wal: bad magic")
	}
	lsn := binary.LittleEndian.Uint64(header[4:12])
	op := Op(header[12])
	pathLen := binary.LittleEndian.Uint32(header[13:17])

	path := make([]byte, pathLen)
	if _, err := io.ReadFull(br, path); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	total += len(path)

	plenBuf := make([]byte, 4)
	if _, err := io.ReadFull(br, plenBuf); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	total += 4
	payloadLen := binary.LittleEndian.Uint32(plenBuf)

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	total += len(payload)

	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(br, crcBuf); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	total += 4
	wantCRC := binary.LittleEndian.Uint32(crcBuf)

	all := make([]byte, 0, total)
	all = append(all, header...)
	all = append(all, path...)
	all = append(all, plenBuf...)
	all = append(all, payload...)
	gotCRC := crc32.ChecksumIEEE(all)
	if gotCRC != wantCRC {
		return nil, 0, fmt.Errorf("wal: crc mismatch")
	}

	return &Record{LSN: lsn, Op: op, Path: string(path), Payload: payload}, total, nil
}

// TruncateTo truncates the WAL file at path to the given byte offset,
// discarding any torn tail found by Replay.
func TruncateTo(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= offset {
		return nil
	}
	return f.Truncate(offset)
}
