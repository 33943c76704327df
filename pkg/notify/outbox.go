package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relay/pkg/logx"
)

// Outbox appends events as JSON lines to a daily-rotated file. Channel
// adapters tail the current file and deliver to their transport; the relay
// itself never blocks on delivery.
type Outbox struct {
	dir    string
	logger *logx.Logger
	now    func() time.Time

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewOutbox creates the outbox directory and opens today's file.
func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	o := &Outbox{
		dir:    dir,
		logger: logx.NewLogger("outbox"),
		now:    time.Now,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("open outbox file: %w", err)
	}
	return o, nil
}

// Notify implements Notifier. Write failures are logged and dropped; the
// outbox is a best-effort side channel, not the ledger.
func (o *Outbox) Notify(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	if err := o.append(ev); err != nil {
		o.logger.Error("drop event %s for %s: %v", ev.Event, ev.WorkItemID, err)
	}
}

func (o *Outbox) append(ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate outbox: %w", err)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := o.currentFile.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	// Adapters tail this file from other processes; flush every line.
	if err := o.currentFile.Sync(); err != nil {
		return fmt.Errorf("sync outbox: %w", err)
	}
	return nil
}

func (o *Outbox) rotateIfNeeded() error {
	date := o.now().Format("2006-01-02")
	if o.currentFile != nil && o.currentDate == date {
		return nil
	}
	if o.currentFile != nil {
		if err := o.currentFile.Close(); err != nil {
			return fmt.Errorf("close outbox file: %w", err)
		}
	}
	path := filepath.Join(o.dir, "outbox-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	o.currentFile = f
	o.currentDate = date
	return nil
}

// CurrentFile returns the path of the active outbox file, or "" once the
// outbox is closed.
func (o *Outbox) CurrentFile() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentFile == nil {
		return ""
	}
	return filepath.Join(o.dir, "outbox-"+o.currentDate+".jsonl")
}

// Close flushes and closes the active file.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentFile == nil {
		return nil
	}
	err := o.currentFile.Close()
	o.currentFile = nil
	if err != nil {
		return fmt.Errorf("close outbox file: %w", err)
	}
	return nil
}

// ReadEvents parses one outbox file back into events, tolerating a missing
// trailing newline.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open outbox file: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("parse outbox line: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read outbox file: %w", err)
	}
	return events, nil
}

// ListOutboxFiles returns all outbox files under dir, oldest first.
func ListOutboxFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "outbox-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list outbox files: %w", err)
	}
	return files, nil
}
