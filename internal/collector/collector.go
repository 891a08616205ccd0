// Package collector ingests crash reports dropped into a spool directory as
// JSON files. Each file holds one submission:
//
//	{"tool": "libfuzzer", "product": "firefox", "platform": "x86-64",
//	 "os": "linux", "stdout": "...", "stderr": "...", "crashdata": "...",
//	 "testcase": "...", "testcase_quality": 5}
//
// Processed files are renamed with a .done suffix, files that cannot be
// ingested get .failed.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"

	defaultDebounce = 500 * time.Millisecond
)

type submission struct {
	Tool      string          `json:"tool"`
	Product   string          `json:"product"`
	Platform  string          `json:"platform"`
	OS        string          `json:"os"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	CrashData string          `json:"crashdata"`
	Args      json.RawMessage `json:"args,omitempty"`
	Env       json.RawMessage `json:"env,omitempty"`

	TestCase         *string `json:"testcase,omitempty"`
	TestCaseQuality  int     `json:"testcase_quality"`
	TestCaseIsBinary bool    `json:"testcase_isbinary"`
}

// Decode reads one submission.
func Decode(r io.Reader) (*crashes.Submission, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var in submission
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	if in.Tool == "" {
		return nil, fmt.Errorf("invalid submission: missing tool")
	}
	if in.Stdout == "" && in.Stderr == "" && in.CrashData == "" {
		return nil, fmt.Errorf("invalid submission: no stdout, stderr or crashdata")
	}
	sub := &crashes.Submission{
		Tool:      in.Tool,
		Product:   in.Product,
		Platform:  in.Platform,
		OS:        in.OS,
		Stdout:    in.Stdout,
		Stderr:    in.Stderr,
		CrashData: in.CrashData,
		Args:      compactJSON(in.Args),
		Env:       compactJSON(in.Env),
	}
	if in.TestCase != nil {
		sub.TestCase = &types.TestCase{
			Content:  *in.TestCase,
			Quality:  in.TestCaseQuality,
			IsBinary: in.TestCaseIsBinary,
		}
	}
	return sub, nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Triager assigns a freshly ingested crash to a bucket.
type Triager interface {
	Triage(ctx context.Context, crashID int64) (*int64, error)
}

// Collector ingests spool files through a crashes.Service.
type Collector struct {
	svc      *crashes.Service
	triager  Triager
	log      *slog.Logger
	debounce time.Duration
}

// New creates a Collector. triager may be nil, in which case crashes stay
// unbucketed until 'ft triage' runs.
func New(svc *crashes.Service, triager Triager, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Collector{svc: svc, triager: triager, log: log, debounce: defaultDebounce}
}

// Submit ingests and triages the submission in path, then renames the file.
// A file that cannot be decoded or stored is renamed with FailedSuffix.
func (c *Collector) Submit(ctx context.Context, path string) (*types.CrashEntry, error) {
	entry, err := c.ingest(ctx, path)
	if err != nil {
		if rerr := os.Rename(path, path+FailedSuffix); rerr != nil {
			c.log.Warn("failed to mark spool file", "path", path, "error", rerr)
		}
		return nil, err
	}
	if err := os.Rename(path, path+DoneSuffix); err != nil {
		return entry, fmt.Errorf("crash %d stored but %s could not be renamed: %w", entry.ID, path, err)
	}
	if c.triager == nil {
		return entry, nil
	}
	bucketID, err := c.triager.Triage(ctx, entry.ID)
	if err != nil {
		return entry, fmt.Errorf("crash %d stored but triage failed: %w", entry.ID, err)
	}
	entry.BucketID = bucketID
	return entry, nil
}

func (c *Collector) ingest(ctx context.Context, path string) (*types.CrashEntry, error) {
	f, err := os.Open(path) // #nosec G304 - spool files are operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	sub, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	entry, err := c.svc.Ingest(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entry, nil
}

// Drain submits every pending *.json file in dir in name order. Failures are
// logged and do not stop the remaining files.
func (c *Collector) Drain(ctx context.Context, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)
	n := 0
	for _, path := range matches {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if c.submitLogged(ctx, path) {
			n++
		}
	}
	return n, nil
}

func (c *Collector) submitLogged(ctx context.Context, path string) bool {
	entry, err := c.Submit(ctx, path)
	if err != nil {
		c.log.Error("spool submission failed", "path", path, "error", err)
		return entry != nil
	}
	c.log.Info("ingested crash", "path", path, "crash", entry.ID, "bucket", bucketAttr(entry.BucketID))
	return true
}

func bucketAttr(id *int64) any {
	if id == nil {
		return "none"
	}
	return *id
}

// Watch drains dir and then ingests new *.json files as they appear until
// ctx is cancelled. Writes are debounced per file so that partially written
// submissions are not picked up.
func (c *Collector) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if _, err := c.Drain(ctx, dir); err != nil {
		return err
	}

	ready := make(chan string, 16)
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			path := event.Name
			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(c.debounce, func() {
				mu.Lock()
				delete(timers, path)
				mu.Unlock()
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})
			mu.Unlock()
		case path := <-ready:
			if _, err := os.Stat(path); err != nil {
				continue
			}
			c.submitLogged(ctx, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watcher error", "error", err)
		}
	}
}
