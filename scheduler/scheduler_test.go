package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/internal/backoff"
	"github.com/secure-legion/legion/storage"
)

type recordingDownloader struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingDownloader) Download(contactID storage.ContactID, pingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pingID)
}

func (r *recordingDownloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond}
}

func TestAutoDownloadWithoutProtection(t *testing.T) {
	s := New(&recordingDownloader{}, nil, fastPolicy(), false, nil)
	defer s.Close()

	assert.Equal(t, AutoDownload, s.OnPingArrived(1))
}

func TestDeviceProtectionGating(t *testing.T) {
	s := New(&recordingDownloader{}, nil, fastPolicy(), true, nil)
	defer s.Close()

	// Not viewing the chat: manual.
	assert.Equal(t, ManualRequired, s.OnPingArrived(1))

	// Viewing, but never downloaded this session: still manual.
	s.SetForeground(1)
	assert.Equal(t, ManualRequired, s.OnPingArrived(1))

	// After one successful download with the chat focused, autos are allowed.
	s.OnDownloadStarted(1)
	s.OnDownloadSucceeded(1)
	assert.Equal(t, AutoDownload, s.OnPingArrived(1))

	// Focus moves away: back to manual.
	s.SetForeground(0)
	assert.Equal(t, ManualRequired, s.OnPingArrived(1))
}

func TestDownloadLifecycleEvents(t *testing.T) {
	bus := events.NewBus(16)
	ch, cancel := bus.Subscribe()
	defer cancel()

	s := New(&recordingDownloader{}, bus, fastPolicy(), false, nil)
	defer s.Close()

	s.OnDownloadStarted(1)
	assert.Equal(t, Downloading, s.StateOf(1))
	ev := <-ch
	assert.Equal(t, events.Typing, ev.Type)
	assert.True(t, ev.Active)

	s.OnDownloadSucceeded(1)
	assert.Equal(t, Idle, s.StateOf(1))
	ev = <-ch
	assert.Equal(t, events.Typing, ev.Type)
	assert.False(t, ev.Active)
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	dl := &recordingDownloader{}
	bus := events.NewBus(16)
	ch, cancel := bus.Subscribe()
	defer cancel()

	s := New(dl, bus, fastPolicy(), false, nil)
	defer s.Close()

	s.OnDownloadStarted(1)
	<-ch // typing on
	s.OnDownloadFailedTransient(1, "ping-1")
	assert.Equal(t, Backoff, s.StateOf(1))

	// typing off, then the silent DOWNLOAD_FAILED signal.
	ev := <-ch
	assert.Equal(t, events.Typing, ev.Type)
	ev = <-ch
	assert.Equal(t, events.DownloadFailed, ev.Type)

	// The retry fires and re-enters DOWNLOADING.
	require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Downloading, s.StateOf(1))
}

func TestPauseSuppressesRetries(t *testing.T) {
	dl := &recordingDownloader{}
	s := New(dl, nil, fastPolicy(), false, nil)
	defer s.Close()

	s.OnDownloadStarted(1)
	s.OnDownloadFailedTransient(1, "ping-1")
	s.OnPaused(1)
	assert.Equal(t, Paused, s.StateOf(1))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, dl.count(), "paused contacts must not retry")

	// Resume fires the pending retry immediately.
	s.OnResumed(1)
	require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLockTapStartsDownload(t *testing.T) {
	dl := &recordingDownloader{}
	s := New(dl, nil, fastPolicy(), true, nil)
	defer s.Close()

	s.OnUserLockTapped(1, "ping-9")
	require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Downloading, s.StateOf(1))
}

func TestDeviceProtectionTogglePausesAll(t *testing.T) {
	dl := &recordingDownloader{}
	s := New(dl, nil, fastPolicy(), false, nil)
	defer s.Close()

	s.OnDownloadStarted(1)
	s.OnDownloadStarted(2)
	s.SetDeviceProtection(true)
	assert.Equal(t, Paused, s.StateOf(1))
	assert.Equal(t, Paused, s.StateOf(2))

	s.SetDeviceProtection(false)
	assert.Equal(t, Idle, s.StateOf(1))
	assert.Equal(t, Idle, s.StateOf(2))
}

func TestAbandonedDownloadKeepsConsentGate(t *testing.T) {
	s := New(&recordingDownloader{}, nil, fastPolicy(), true, nil)
	defer s.Close()

	s.SetForeground(1)
	s.OnDownloadStarted(1)
	s.OnDownloadAbandoned(1)
	assert.Equal(t, Idle, s.StateOf(1))

	// An abandoned download does not count as the session's first download.
	assert.Equal(t, ManualRequired, s.OnPingArrived(1))
}
