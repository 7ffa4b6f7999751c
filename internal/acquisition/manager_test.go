package acquisition

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// fakeDownloader counts transfers per id. When gate is set each transfer
// blocks until the gate is closed. When pkg is set it is written as the
// downloaded package.
type fakeDownloader struct {
	gate    chan struct{}
	entered chan string
	pkg     []byte
	err     error
	panics  bool

	mu    sync.Mutex
	calls map[string]int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		calls:   make(map[string]int),
		entered: make(chan string, 128),
	}
}

func (f *fakeDownloader) Download(ctx context.Context, id, destDir string) error {
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()
	f.entered <- id

	if f.panics {
		panic("transfer exploded")
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	if f.pkg != nil {
		return os.WriteFile(filepath.Join(destDir, id+".tar"), f.pkg, 0o644)
	}
	return nil
}

func (f *fakeDownloader) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newTestManager(t *testing.T, dl Downloader, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, dl, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string) Task {
	t.Helper()
	require.Eventually(t, func() bool {
		task, ok := m.Task(id)
		return ok && task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond, "task %s never finished", id)
	task, _ := m.Task(id)
	return task
}

const productID = "LC08_L2SP_044034_20240409_20240415_02_T1"

func TestConcurrentStartSingleTransfer(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	m := newTestManager(t, dl, nil)

	var wg sync.WaitGroup
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.StartAcquisition("X")
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)
	for ok := range results {
		assert.True(t, ok)
	}

	assert.Len(t, m.Tasks(), 1)
	close(dl.gate)
	waitTerminal(t, m, "X")
	assert.Equal(t, 1, dl.count("X"))
}

func TestStartTwiceSingleTransfer(t *testing.T) {
	dl := newFakeDownloader()
	m := newTestManager(t, dl, nil)

	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.StartAcquisition(productID)
	require.NoError(t, err)
	assert.True(t, ok)

	waitTerminal(t, m, productID)
	ok, _ = m.StartAcquisition(productID)
	assert.True(t, ok)
	assert.Equal(t, 1, dl.count(productID))
}

func TestPollStatusLifecycle(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	m := newTestManager(t, dl, nil)

	assert.Equal(t, Progress{}, m.PollStatus(productID))

	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Progress{Known: true, InProgress: true}, m.PollStatus(productID))

	<-dl.entered
	assert.Equal(t, Progress{Known: true, InProgress: true}, m.PollStatus(productID))

	close(dl.gate)
	waitTerminal(t, m, productID)
	assert.Equal(t, Progress{Known: true, InProgress: false}, m.PollStatus(productID))
}

func TestExtractionWhenPackagePresent(t *testing.T) {
	dl := newFakeDownloader()
	dl.pkg = testTar(t, map[string]string{
		"LC08_B4.TIF":  "red band",
		"meta/MTL.txt": "metadata",
	})
	m := newTestManager(t, dl, nil)

	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	require.True(t, ok)

	task := waitTerminal(t, m, productID)
	assert.Equal(t, Completed, task.Status)
	assert.True(t, task.Extracted)
	assert.Equal(t, 2, task.Files)
	assert.Empty(t, task.Error)

	got, err := os.ReadFile(filepath.Join(m.ExtractionDir(productID), "LC08_B4.TIF"))
	require.NoError(t, err)
	assert.Equal(t, "red band", string(got))
	assert.FileExists(t, filepath.Join(m.ExtractionDir(productID), "meta", "MTL.txt"))
	assert.True(t, m.IsCached(productID))
}

func TestCompletedWhenPackageAbsent(t *testing.T) {
	dl := newFakeDownloader()
	m := newTestManager(t, dl, nil)

	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	require.True(t, ok)

	task := waitTerminal(t, m, productID)
	assert.Equal(t, Completed, task.Status)
	assert.False(t, task.Extracted)
	assert.NoDirExists(t, m.ExtractionDir(productID))
	assert.False(t, m.IsCached(productID))
}

func TestFailedExtraction(t *testing.T) {
	dl := newFakeDownloader()
	dl.pkg = []byte("this is not a tar file and is too short for a header")
	m := newTestManager(t, dl, nil)

	_, err := m.StartAcquisition(productID)
	require.NoError(t, err)

	task := waitTerminal(t, m, productID)
	assert.Equal(t, Failed, task.Status)
	assert.Contains(t, task.Error, "extract")
	assert.False(t, m.IsCached(productID))
}

func TestDownloadFailureNotRetried(t *testing.T) {
	dl := newFakeDownloader()
	dl.err = errors.New("connection reset")
	m := newTestManager(t, dl, nil)

	_, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	task := waitTerminal(t, m, productID)
	assert.Equal(t, Failed, task.Status)
	assert.Contains(t, task.Error, "connection reset")
	assert.Equal(t, Progress{Known: true, InProgress: false}, m.PollStatus(productID))

	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Progress{Known: true, InProgress: false}, m.PollStatus(productID))
	require.Len(t, m.Tasks(), 1)
	assert.Equal(t, Failed, m.Tasks()[0].Status)

	// Drain the pool so any stray attempt would have been counted.
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, dl.count(productID))
}

func TestDownloadFailureRetried(t *testing.T) {
	dl := newFakeDownloader()
	dl.err = errors.New("connection reset")
	m := newTestManager(t, dl, func(c *Config) { c.RetryFailed = true })

	_, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	waitTerminal(t, m, productID)

	dl.mu.Lock()
	dl.err = nil
	dl.mu.Unlock()

	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool { return dl.count(productID) == 2 }, 5*time.Second, 5*time.Millisecond)

	task := waitTerminal(t, m, productID)
	assert.Equal(t, Completed, task.Status)
	assert.Empty(t, task.Error)
}

func TestPanicMarksFailed(t *testing.T) {
	dl := newFakeDownloader()
	dl.panics = true
	m := newTestManager(t, dl, nil)

	_, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	task := waitTerminal(t, m, productID)
	assert.Equal(t, Failed, task.Status)
	assert.Contains(t, task.Error, "panic")

	// The pool keeps working after a panic.
	dl.panics = false
	_, err = m.StartAcquisition("other")
	require.NoError(t, err)
	assert.Equal(t, Completed, waitTerminal(t, m, "other").Status)
}

func TestStartWhenAlreadyCached(t *testing.T) {
	dl := newFakeDownloader()
	m := newTestManager(t, dl, nil)
	require.NoError(t, os.Mkdir(m.ExtractionDir(productID), 0o755))

	assert.True(t, m.IsCached(productID))
	ok, err := m.StartAcquisition(productID)
	require.NoError(t, err)
	assert.True(t, ok)

	task, found := m.Task(productID)
	require.True(t, found)
	assert.Equal(t, Completed, task.Status)
	assert.True(t, task.FromCache)
	assert.Equal(t, 0, dl.count(productID))
}

func TestIsCachedIsPureQuery(t *testing.T) {
	dl := newFakeDownloader()
	m := newTestManager(t, dl, nil)

	assert.False(t, m.IsCached(productID))
	assert.Equal(t, Progress{}, m.PollStatus(productID))
	assert.NoDirExists(t, m.ExtractionDir(productID))

	require.NoError(t, os.Mkdir(m.ExtractionDir(productID), 0o755))
	assert.True(t, m.IsCached(productID))
	assert.Empty(t, m.Tasks())

	// A plain file with the product name is not an extraction directory.
	require.NoError(t, os.WriteFile(filepath.Join(m.config.Root, "file-not-dir"), nil, 0o644))
	assert.False(t, m.IsCached("file-not-dir"))
}

func TestInvalidProductID(t *testing.T) {
	m := newTestManager(t, newFakeDownloader(), nil)

	for _, id := range []string{"", ".", "..", "../etc", "a/b", `a\b`, ".hidden", string(make([]byte, 256))} {
		ok, err := m.StartAcquisition(id)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrInvalidProductID, "id %q", id)
		assert.False(t, m.IsCached(id))
		assert.False(t, m.PollStatus(id).Known)
	}
}

func TestQueueFullRejects(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	m := newTestManager(t, dl, func(c *Config) {
		c.Workers = 1
		c.QueueSize = 1
	})

	ok, _ := m.StartAcquisition("a")
	require.True(t, ok)
	<-dl.entered // the only worker is busy with "a"

	ok, _ = m.StartAcquisition("b")
	require.True(t, ok) // waits in the queue

	ok, err := m.StartAcquisition("c")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, m.PollStatus("c").Known)

	close(dl.gate)
	waitTerminal(t, m, "a")
	waitTerminal(t, m, "b")
}

func TestShutdownRejectsNewWork(t *testing.T) {
	dl := newFakeDownloader()
	m := newTestManager(t, dl, nil)

	_, err := m.StartAcquisition("a")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	task, found := m.Task("a")
	require.True(t, found)
	assert.Equal(t, Completed, task.Status)

	ok, err := m.StartAcquisition("b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestShutdownDeadlineCancelsDownloads(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	m := newTestManager(t, dl, nil)

	_, err := m.StartAcquisition("slow")
	require.NoError(t, err)
	<-dl.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	task, _ := m.Task("slow")
	assert.Equal(t, Failed, task.Status)
	assert.Contains(t, task.Error, context.Canceled.Error())
}

func TestEvictExpired(t *testing.T) {
	now := time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	dl := newFakeDownloader()
	cfg := DefaultConfig(t.TempDir())
	cfg.TaskTTL = time.Hour
	m, err := NewManager(cfg, dl, testLogger, WithClock(clock))
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	_, err = m.StartAcquisition("old")
	require.NoError(t, err)
	waitTerminal(t, m, "old")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	assert.Equal(t, 1, m.EvictExpired())
	assert.False(t, m.PollStatus("old").Known)
	assert.Equal(t, 0, m.EvictExpired())
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "extraction_pending", ExtractionPending.String())
	assert.True(t, Running.InProgress())
	assert.True(t, ExtractionPending.InProgress())
	assert.False(t, Queued.InProgress())
	assert.True(t, Failed.Terminal())
	assert.False(t, Running.Terminal())

	b, err := Completed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "completed", string(b))
}
