// Package spool is a file-backed deferred task facility.
//
// Register drops a <tag>.task file into the spool directory. Run watches the
// directory with fsnotify and hands each task to a handler once the device is
// online, deleting the file when the handler accepts it. Files left behind by
// a previous process are picked up on the next Run. Register fails with
// SCHEDULING_UNSUPPORTED while no Run loop is watching the directory.
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
)

const taskExt = ".task"

// Handler runs a fired task. Returning nil removes the registration.
type Handler func(ctx context.Context, tag string) error

// Spool implements deferred task registration over a directory.
type Spool struct {
	dir      string
	online   func() bool
	interval time.Duration

	mu      sync.Mutex
	running bool
	active  bool // watcher attached, tasks are being dispatched
	kick    chan struct{}
}

// New creates a Spool over dir. online gates dispatch; nil means always online.
func New(dir string, online func() bool) *Spool {
	if online == nil {
		online = func() bool { return true }
	}
	return &Spool{
		dir:      dir,
		online:   online,
		interval: time.Minute,
		kick:     make(chan struct{}, 1),
	}
}

// SetRescanInterval changes how often the directory is rescanned without events.
func (s *Spool) SetRescanInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Active reports whether a Run loop is watching the directory.
func (s *Spool) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Register persists a task registration. Registering a tag twice keeps one file.
func (s *Spool) Register(ctx context.Context, tag string) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Active() {
		return apperrors.New(apperrors.ErrSchedulingUnsupported, "deferred task spool is not running")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrSchedulingUnsupported, "spool directory unavailable", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+tag+"-*")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSchedulingUnsupported, "spool directory not writable", err)
	}
	_, werr := fmt.Fprintf(tmp, "%s\n", time.Now().UTC().Format(time.RFC3339Nano))
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), s.path(tag))
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.ErrSchedulingUnsupported, "write spool task", werr)
	}

	logging.Debug("Deferred task registered", map[string]interface{}{"tag": tag})
	return nil
}

// Pending lists registered tags in name order.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tags []string
	for _, e := range entries {
		if tag, ok := tagOf(e.Name()); ok && !e.IsDir() {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// Kick asks a running Run loop to rescan now, e.g. after going online.
func (s *Spool) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run dispatches registrations until ctx is done.
func (s *Spool) Run(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("spool already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.active = false
		s.mu.Unlock()
	}()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrSchedulingUnsupported, "spool directory unavailable", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSchedulingUnsupported, "create spool watcher", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return apperrors.Wrap(apperrors.ErrSchedulingUnsupported, "watch spool directory", err)
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	logging.Info("Deferred task spool started", map[string]interface{}{"dir": s.dir})

	// Registrations that survived a restart
	s.dispatchAll(ctx, handler)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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
			if tag, ok := tagOf(filepath.Base(event.Name)); ok {
				s.dispatch(ctx, handler, tag)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("Spool watcher error", err)

		case <-s.kick:
			s.dispatchAll(ctx, handler)

		case <-ticker.C:
			s.dispatchAll(ctx, handler)
		}
	}
}

func (s *Spool) dispatchAll(ctx context.Context, handler Handler) {
	tags, err := s.Pending()
	if err != nil {
		logging.Error("Failed to scan spool directory", err, map[string]interface{}{"dir": s.dir})
		return
	}
	for _, tag := range tags {
		s.dispatch(ctx, handler, tag)
	}
}

// dispatch fires tag if online. The file stays when the handler fails.
func (s *Spool) dispatch(ctx context.Context, handler Handler, tag string) {
	if !s.online() {
		return
	}
	if _, err := os.Stat(s.path(tag)); err != nil {
		return
	}
	if err := handler(ctx, tag); err != nil {
		logging.Warn("Deferred task not accepted", map[string]interface{}{
			"tag":   tag,
			"error": err.Error(),
		})
		return
	}
	if err := os.Remove(s.path(tag)); err != nil && !os.IsNotExist(err) {
		logging.Error("Failed to remove spool task", err, map[string]interface{}{"tag": tag})
	}
}

func (s *Spool) path(tag string) string {
	return filepath.Join(s.dir, tag+taskExt)
}

func tagOf(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, taskExt) {
		return "", false
	}
	tag := strings.TrimSuffix(name, taskExt)
	return tag, tag != ""
}

func validateTag(tag string) error {
	if tag == "" || strings.HasPrefix(tag, ".") || strings.ContainsAny(tag, `/\`+"\x00") {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid task tag %q", tag)
	}
	return nil
}

// Unsupported is the deferred facility of platforms without background tasks.
type Unsupported struct{}

// Register always fails with SCHEDULING_UNSUPPORTED.
func (Unsupported) Register(ctx context.Context, tag string) error {
	return apperrors.New(apperrors.ErrSchedulingUnsupported, "deferred tasks are not supported on this platform")
}
