// Package wal implements the change-event write-ahead log.
//
// The log is a directory of numbered files. Each file starts with a short
// header and holds CRC-framed events. Files rotate by size, and whole files
// are removed once every event they hold is covered by a published
// checkpoint.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/cdclake/internal/fs"
	"github.com/hupe1980/cdclake/model"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache until Sync is called.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync before Append returns. Concurrent
	// appenders share one fsync.
	DurabilitySync
)

// String returns the durability name.
func (d Durability) String() string {
	if d == DurabilitySync {
		return "sync"
	}
	return "async"
}

const (
	walMagic      = "CDCLKWAL"
	walVersion    = 1
	walHeaderSize = 12
	fileSuffix    = ".log"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
	// ErrCorrupted is returned when a sealed log file fails validation.
	ErrCorrupted = errors.New("wal: log corrupted")
)

type Options struct {
	Durability Durability
	// FileSize is the size after which the active file is rotated.
	FileSize int64
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync, FileSize: 64 << 20}
}

// FileInfo describes one log file.
type FileInfo struct {
	Seq    uint64
	Path   string
	Size   int64
	Events int
	MinLSN model.LSN
	MaxLSN model.LSN
}

// WAL manages the log directory.
type WAL struct {
	mu    sync.Mutex
	fs    fs.FileSystem
	dir   string
	opts  Options
	files []FileInfo // oldest first; the last entry is the active file

	file fs.File
	cw   *countingWriter
	buf  []byte

	// Group commit state. Offsets are logical bytes across all files.
	written     int64
	synced      int64
	appendedLSN model.LSN
	durableLSN  model.LSN
	syncCond    *sync.Cond
	doneCond    *sync.Cond
	closed      bool
	lastErr     error
	wg          sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

func fileName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, fileSuffix)
}

func parseFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
	return seq, err == nil
}

// Open scans the log directory, trims a torn tail from the newest file and
// starts a fresh active file.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.FileSize <= 0 {
		opts.FileSize = DefaultOptions().FileSize
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		if seq, ok := parseFileName(e.Name()); ok && !e.IsDir() {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)

	w := &WAL{fs: fsys, dir: dir, opts: opts}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	for i, seq := range seqs {
		info, valid, err := scanFile(fsys, filepath.Join(dir, fileName(seq)), seq)
		last := i == len(seqs)-1
		if err != nil && !(last && isTornTail(err)) {
			return nil, fmt.Errorf("wal file %s: %w", fileName(seq), err)
		}
		if last && valid < info.Size {
			if valid < walHeaderSize || info.Events == 0 {
				if err := fsys.Remove(info.Path); err != nil {
					return nil, err
				}
				continue
			}
			if err := fsys.Truncate(info.Path, valid); err != nil {
				return nil, err
			}
			info.Size = valid
		}
		w.appendedLSN = max(w.appendedLSN, info.MaxLSN)
		w.files = append(w.files, info)
	}
	w.durableLSN = w.appendedLSN

	next := uint64(1)
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}
	if err := w.openActive(next); err != nil {
		return nil, err
	}

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

func isTornTail(err error) bool {
	return errors.Is(err, ErrShortRead) || errors.Is(err, ErrInvalidCRC) || errors.Is(err, ErrInvalidHeader)
}

// scanFile validates a log file and reports the offset of the end of its
// last intact record.
func scanFile(fsys fs.FileSystem, path string, seq uint64) (FileInfo, int64, error) {
	info := FileInfo{Seq: seq, Path: path}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return info, 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return info, 0, err
	}
	info.Size = st.Size()
	r := bufio.NewReader(f)
	if err := readHeader(r); err != nil {
		return info, 0, err
	}
	valid := int64(walHeaderSize)
	var scratch []byte
	for {
		ev, n, s, err := readRecord(r, scratch)
		scratch = s
		if err == io.EOF {
			return info, valid, nil
		}
		if err != nil {
			return info, valid, err
		}
		valid += n
		info.Events++
		if info.Events == 1 || ev.LSN < info.MinLSN {
			info.MinLSN = ev.LSN
		}
		info.MaxLSN = max(info.MaxLSN, ev.LSN)
	}
}

func readHeader(r io.Reader) error {
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: file too small", ErrInvalidHeader)
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// openActive creates a new active file. Callers hold mu or own w exclusively.
func (w *WAL) openActive(seq uint64) error {
	path := filepath.Join(w.dir, fileName(seq))
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.cw = &countingWriter{w: bufio.NewWriter(f), n: walHeaderSize}
	w.files = append(w.files, FileInfo{Seq: seq, Path: path, Size: walHeaderSize})
	return nil
}

// rotateLocked seals the active file and opens its successor.
func (w *WAL) rotateLocked() error {
	if err := w.cw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.synced = w.written
	w.durableLSN = w.appendedLSN
	w.doneCond.Broadcast()
	return w.openActive(w.files[len(w.files)-1].Seq + 1)
}

func (w *WAL) active() *FileInfo {
	return &w.files[len(w.files)-1]
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.written <= w.synced && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.written <= w.synced {
			return
		}

		target, lsn, f := w.written, w.appendedLSN, w.file

		w.mu.Unlock()
		err := f.Sync()
		w.mu.Lock()

		if f != w.file {
			// Rotated while syncing; rotation already made the old file durable.
			continue
		}
		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.synced {
			w.synced = target
			w.durableLSN = max(w.durableLSN, lsn)
		}
		w.doneCond.Broadcast()
	}
}

// Append writes events to the log and, in sync mode, waits until they are
// durable.
func (w *WAL) Append(events ...model.Event) error {
	offset, err := w.AppendAsync(events...)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendAsync writes events to the active file without waiting for sync.
// It returns the logical offset of the end of the batch.
func (w *WAL) AppendAsync(events ...model.Event) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}
	if len(events) == 0 {
		return w.written, nil
	}
	if w.cw.n >= w.opts.FileSize {
		if err := w.rotateLocked(); err != nil {
			w.lastErr = fmt.Errorf("wal rotate failed: %w", err)
			return 0, w.lastErr
		}
	}

	w.buf = w.buf[:0]
	for _, ev := range events {
		w.buf = appendRecord(w.buf, ev)
	}
	if _, err := w.cw.Write(w.buf); err != nil {
		return 0, err
	}
	if err := w.cw.Flush(); err != nil {
		return 0, err
	}

	act := w.active()
	for _, ev := range events {
		if act.Events == 0 || ev.LSN < act.MinLSN {
			act.MinLSN = ev.LSN
		}
		act.MaxLSN = max(act.MaxLSN, ev.LSN)
		act.Events++
		w.appendedLSN = max(w.appendedLSN, ev.LSN)
	}
	act.Size = w.cw.n
	w.written += int64(len(w.buf))

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return w.written, nil
}

// WaitFor waits until the log is synced up to the given logical offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.synced < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.synced < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync makes every appended event durable.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}

	if w.opts.Durability == DurabilityAsync {
		if err := w.file.Sync(); err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			return w.lastErr
		}
		w.synced = w.written
		w.durableLSN = w.appendedLSN
		return nil
	}

	target := w.written
	w.syncCond.Signal()
	for w.synced < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// DurableLSN returns the highest LSN known to be on stable storage.
func (w *WAL) DurableLSN() model.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableLSN
}

// LastLSN returns the highest LSN appended so far.
func (w *WAL) LastLSN() model.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendedLSN
}

// Files returns a copy of the file list, oldest first.
func (w *WAL) Files() []FileInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.files)
}

// Size returns the total size of all log files.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, f := range w.files {
		n += f.Size
	}
	return n
}

// Truncate removes the oldest files whose events all have LSN <= upTo. The
// active file is rotated first when it qualifies. It returns the number of
// files removed.
func (w *WAL) Truncate(upTo model.LSN) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if act := w.active(); act.Events > 0 && act.MaxLSN <= upTo {
		if err := w.rotateLocked(); err != nil {
			w.lastErr = fmt.Errorf("wal rotate failed: %w", err)
			return 0, w.lastErr
		}
	}
	removed := 0
	for len(w.files) > 1 && w.files[0].MaxLSN <= upTo {
		if err := w.fs.Remove(w.files[0].Path); err != nil && !fs.IsNotExist(err) {
			return removed, err
		}
		w.files = w.files[1:]
		removed++
	}
	return removed, nil
}

// Replay calls fn for every intact event in log order. A torn tail on the
// newest file ends the replay without error.
func (w *WAL) Replay(fn func(model.Event) error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		w.mu.Unlock()
		return err
	}
	files := slices.Clone(w.files)
	w.mu.Unlock()

	for i, info := range files {
		if err := replayFile(w.fs, info.Path, fn); err != nil {
			if i == len(files)-1 && isTornTail(err) {
				return nil
			}
			return fmt.Errorf("wal file %s: %w", filepath.Base(info.Path), err)
		}
	}
	return nil
}

func replayFile(fsys fs.FileSystem, path string, fn func(model.Event) error) error {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	if err := readHeader(r); err != nil {
		return err
	}
	var scratch []byte
	for {
		ev, _, s, err := readRecord(r, scratch)
		scratch = s
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Close flushes and syncs the active file and stops the syncer.
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}

	if err := w.cw.Flush(); err != nil {
		w.closed = true
		w.syncCond.Signal()
		w.mu.Unlock()
		w.wg.Wait()
		_ = w.file.Close()
		return err
	}

	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
