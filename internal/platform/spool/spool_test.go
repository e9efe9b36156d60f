package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
)

type recorder struct {
	mu   sync.Mutex
	tags []string
	err  error
}

func (r *recorder) handle(ctx context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tags)
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func runSpool(t *testing.T, s *Spool, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop")
		}
	})
	require.Eventually(t, s.Active, 2*time.Second, 5*time.Millisecond, "Run did not attach its watcher")
}

func offline() bool { return false }

// writeTask leaves a registration on disk the way an earlier process would.
func writeTask(t *testing.T, dir, tag string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tag+taskExt), []byte("x\n"), 0644))
}

func TestRegister(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	s := New(dir, offline)
	runSpool(t, s, (&recorder{}).handle)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "sync-sales"))
	require.NoError(t, s.Register(ctx, "sync-sales"))
	require.NoError(t, s.Register(ctx, "sync-all"))

	tags, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"sync-all", "sync-sales"}, tags)
	assert.FileExists(t, filepath.Join(dir, "sync-sales.task"))
}

func TestRegister_invalidTag(t *testing.T) {
	s := New(t.TempDir(), offline)
	runSpool(t, s, (&recorder{}).handle)
	for _, tag := range []string{"", ".hidden", "a/b", `a\b`} {
		err := s.Register(context.Background(), tag)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "tag %q", tag)
	}
}

func TestRegister_unusableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	s := New(file, nil)
	runErr := s.Run(context.Background(), (&recorder{}).handle)
	assert.True(t, apperrors.Is(runErr, apperrors.ErrSchedulingUnsupported))
	assert.False(t, s.Active())

	err := s.Register(context.Background(), "sync-all")
	assert.True(t, apperrors.Is(err, apperrors.ErrSchedulingUnsupported))
}

func TestRegister_withoutRun(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	err := s.Register(context.Background(), "sync-sales")
	assert.True(t, apperrors.Is(err, apperrors.ErrSchedulingUnsupported))
	tags, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestRegister_afterRunStops(t *testing.T) {
	s := New(t.TempDir(), offline)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, (&recorder{}).handle) }()
	require.Eventually(t, s.Active, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Register(context.Background(), "sync-all"))

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.Active())
	err := s.Register(context.Background(), "sync-all")
	assert.True(t, apperrors.Is(err, apperrors.ErrSchedulingUnsupported))
}

func TestPending_missingDir(t *testing.T) {
	tags, err := New(filepath.Join(t.TempDir(), "missing"), nil).Pending()
	assert.NoError(t, err)
	assert.Empty(t, tags)
}

func TestRun_survivesRestart(t *testing.T) {
	dir := t.TempDir()
	writeTask(t, dir, "sync-inventory")

	rec := &recorder{}
	s := New(dir, nil)
	runSpool(t, s, rec.handle)

	assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		tags, _ := s.Pending()
		return len(tags) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_firesOnRegister(t *testing.T) {
	rec := &recorder{}
	s := New(t.TempDir(), nil)
	runSpool(t, s, rec.handle)
	require.NoError(t, s.Register(context.Background(), "sync-sales"))

	assert.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "sync-sales", rec.tags[0])
	rec.mu.Unlock()
}

func TestRun_waitsForOnline(t *testing.T) {
	var online atomic.Bool
	rec := &recorder{}
	s := New(t.TempDir(), online.Load)
	runSpool(t, s, rec.handle)
	require.NoError(t, s.Register(context.Background(), "sync-all"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	online.Store(true)
	s.Kick()
	assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRun_handlerErrorKeepsTask(t *testing.T) {
	rec := &recorder{err: errors.New("scheduler not running")}
	s := New(t.TempDir(), nil)
	s.SetRescanInterval(20 * time.Millisecond)
	writeTask(t, s.Dir(), "sync-all")
	runSpool(t, s, rec.handle)

	assert.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	tags, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"sync-all"}, tags)

	rec.setErr(nil)
	assert.Eventually(t, func() bool {
		tags, _ := s.Pending()
		return len(tags) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_alreadyRunning(t *testing.T) {
	s := New(t.TempDir(), nil)
	rec := &recorder{}
	runSpool(t, s, rec.handle)

	assert.Error(t, s.Run(context.Background(), rec.handle))
	assert.True(t, s.Active())
}

func TestUnsupported(t *testing.T) {
	err := Unsupported{}.Register(context.Background(), "sync-all")
	assert.True(t, apperrors.Is(err, apperrors.ErrSchedulingUnsupported))
}
