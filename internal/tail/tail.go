package tail

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/invigil-dev/invigil/internal/metrics"
)

// Format describes how records inside a watched file are delimited.
// Both formats are newline-delimited; FormatJSON marks files whose lines
// carry one JSON object each (the monitor's alerts file contract).
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// Record is one complete line read from a watched file. Seq increases
// monotonically per file, so consumers can rely on in-file ordering even
// when a single poll batches several new records.
type Record struct {
	File   string
	Format Format
	Seq    uint64
	Line   string
	ReadAt time.Time
}

// Cursor is the persisted read position for one watched file. Offset only
// ever advances past fully-consumed records; an incomplete trailing line is
// left on disk and re-read once a later write completes it.
type Cursor struct {
	Path       string
	Offset     int64
	LastReadAt time.Time
}

type watch struct {
	cursor Cursor
	format Format
	seq    uint64
}

// Tailer incrementally reads append-only files registered via Watch and
// hands complete records to the emit callback. All reads happen on a single
// poll goroutine (or the caller of Poll), so cursors have one writer.
type Tailer struct {
	mu       sync.Mutex
	watches  []*watch
	interval time.Duration
	emit     func(Record)

	cancel context.CancelFunc
	done   chan struct{}
}

const DefaultInterval = 500 * time.Millisecond

func New(interval time.Duration, emit func(Record)) *Tailer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tailer{interval: interval, emit: emit}
}

// Watch registers a file. The file may not exist yet; it is treated as
// empty until the monitor creates it.
func (t *Tailer) Watch(path string, format Format) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.watches {
		if w.cursor.Path == path {
			return
		}
	}
	t.watches = append(t.watches, &watch{cursor: Cursor{Path: path}, format: format})
}

// Cursors returns a snapshot of all cursors, in registration order.
func (t *Tailer) Cursors() []Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Cursor, 0, len(t.watches))
	for _, w := range t.watches {
		out = append(out, w.cursor)
	}
	return out
}

// Start launches the poll loop. Stop (or ctx cancellation) terminates it;
// Stop additionally blocks until the loop has fully ceased so a subsequent
// session cannot race an old poller.
func (t *Tailer) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				for _, rec := range t.Poll() {
					t.emit(rec)
				}
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit.
func (t *Tailer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Poll runs one read cycle over every watched file and returns the new
// complete records in file order. Read errors are transient by contract:
// the cursor is left untouched and the file is retried next cycle.
func (t *Tailer) Poll() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, w := range t.watches {
		out = append(out, t.pollOne(w)...)
	}
	return out
}

func (t *Tailer) pollOne(w *watch) []Record {
	fi, err := os.Stat(w.cursor.Path)
	if err != nil {
		// Not created yet, or momentarily unavailable: no new records.
		return nil
	}
	if fi.Size() < w.cursor.Offset {
		// Truncation or rotation: start over from the beginning.
		w.cursor.Offset = 0
		metrics.IncTailReset(w.cursor.Path)
	}
	if fi.Size() == w.cursor.Offset {
		return nil
	}

	f, err := os.Open(w.cursor.Path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(w.cursor.Offset, io.SeekStart); err != nil {
		return nil
	}
	buf, err := io.ReadAll(f)
	if err != nil || len(buf) == 0 {
		return nil
	}

	// Consume only up to the last newline; a partial trailing line stays on
	// disk until a later write completes it.
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil
	}
	consumed := buf[:end+1]
	now := time.Now()

	var out []Record
	for _, line := range bytes.Split(consumed, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		w.seq++
		out = append(out, Record{
			File:   w.cursor.Path,
			Format: w.format,
			Seq:    w.seq,
			Line:   string(line),
			ReadAt: now,
		})
	}
	w.cursor.Offset += int64(len(consumed))
	w.cursor.LastReadAt = now
	metrics.AddTailBytes(w.cursor.Path, len(consumed))
	return out
}
