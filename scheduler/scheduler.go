// Package scheduler drives the per-contact download state machine
// {IDLE, DOWNLOADING, BACKOFF, PAUSED}. The DOWNLOADING state alone renders
// the typing indicator; BACKOFF retries are invisible so network status never
// leaks to the UI. The scheduler issues downloads through an injected
// Downloader, which keeps the orchestrator dependency one-directional.
package scheduler

import (
	"sync"
	"time"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/internal/backoff"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/storage"
)

// State of a contact's download machine.
type State int

const (
	Idle State = iota
	Downloading
	Backoff
	Paused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Downloading:
		return "DOWNLOADING"
	case Backoff:
		return "BACKOFF"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Downloader is the outbound interface the scheduler invokes to start a
// download task.
type Downloader interface {
	Download(contactID storage.ContactID, pingID string)
}

// Decision is the outcome of a ping arrival.
type Decision int

const (
	// AutoDownload means the scheduler starts the download immediately.
	AutoDownload Decision = iota
	// ManualRequired means the user must tap the lock to consent.
	ManualRequired
)

// Scheduler tracks per-contact download state.
type Scheduler struct {
	mu sync.Mutex

	states            map[storage.ContactID]State
	attempts          map[storage.ContactID]int
	hasDownloadedOnce map[storage.ContactID]bool
	retryTimers       map[storage.ContactID]*time.Timer
	pendingRetry      map[storage.ContactID]string // pingID awaiting retry

	deviceProtection bool
	foreground       storage.ContactID // 0 = no chat focused

	policy     backoff.Policy
	downloader Downloader
	bus        *events.Bus
	log        logger.Logger
}

// New creates a scheduler.
func New(downloader Downloader, bus *events.Bus, policy backoff.Policy, deviceProtection bool, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Scheduler{
		states:            make(map[storage.ContactID]State),
		attempts:          make(map[storage.ContactID]int),
		hasDownloadedOnce: make(map[storage.ContactID]bool),
		retryTimers:       make(map[storage.ContactID]*time.Timer),
		pendingRetry:      make(map[storage.ContactID]string),
		deviceProtection:  deviceProtection,
		policy:            policy,
		downloader:        downloader,
		bus:               bus,
		log:               log,
	}
}

// StateOf returns the current machine state for a contact.
func (s *Scheduler) StateOf(contactID storage.ContactID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[contactID]
}

// OnPingArrived decides whether a fresh ping downloads automatically or waits
// for user consent. The first download of a session always requires explicit
// consent when device protection is on.
func (s *Scheduler) OnPingArrived(contactID storage.ContactID) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[contactID] == Paused {
		return ManualRequired
	}
	if !s.deviceProtection {
		return AutoDownload
	}
	if s.foreground == contactID && s.hasDownloadedOnce[contactID] {
		return AutoDownload
	}
	return ManualRequired
}

// OnDownloadStarted moves IDLE/BACKOFF to DOWNLOADING and raises the typing
// indicator.
func (s *Scheduler) OnDownloadStarted(contactID storage.ContactID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.states[contactID] {
	case Idle, Backoff:
		s.states[contactID] = Downloading
		s.stopRetryLocked(contactID)
		s.publish(events.Event{Type: events.Typing, ContactID: contactID, Active: true})
	}
}

// OnDownloadSucceeded returns the contact to IDLE and clears typing.
func (s *Scheduler) OnDownloadSucceeded(contactID storage.ContactID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[contactID] != Downloading {
		return
	}
	s.states[contactID] = Idle
	s.attempts[contactID] = 0
	s.hasDownloadedOnce[contactID] = true
	delete(s.pendingRetry, contactID)
	s.publish(events.Event{Type: events.Typing, ContactID: contactID, Active: false})
}

// OnDownloadAbandoned returns the contact to IDLE without granting the
// session consent bit, used when a payload proves undecryptable.
func (s *Scheduler) OnDownloadAbandoned(contactID storage.ContactID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[contactID] != Downloading {
		return
	}
	s.states[contactID] = Idle
	s.attempts[contactID] = 0
	delete(s.pendingRetry, contactID)
	s.publish(events.Event{Type: events.Typing, ContactID: contactID, Active: false})
}

// OnDownloadFailedTransient moves DOWNLOADING to BACKOFF and schedules a
// silent retry.
func (s *Scheduler) OnDownloadFailedTransient(contactID storage.ContactID, pingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[contactID] != Downloading {
		return
	}
	s.states[contactID] = Backoff
	s.attempts[contactID]++
	s.pendingRetry[contactID] = pingID
	s.publish(events.Event{Type: events.Typing, ContactID: contactID, Active: false})
	s.publish(events.Event{Type: events.DownloadFailed, ContactID: contactID})

	delay := s.policy.Delay(s.attempts[contactID])
	s.log.Debug("download retry scheduled",
		logger.Int("contact_id", int(contactID)),
		logger.Duration("delay", delay),
	)
	s.scheduleRetryLocked(contactID, delay)
}

// OnUserLockTapped starts the download after the inbox claim was won. A lost
// claim is a no-op at the caller.
func (s *Scheduler) OnUserLockTapped(contactID storage.ContactID, pingID string) {
	s.mu.Lock()
	if s.states[contactID] == Paused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.OnDownloadStarted(contactID)
	s.downloader.Download(contactID, pingID)
}

// OnPaused suppresses retries for a contact while preserving inbox state.
func (s *Scheduler) OnPaused(contactID storage.ContactID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRetryLocked(contactID)
	s.states[contactID] = Paused
}

// OnResumed re-arms the machine; a pending retry fires immediately.
func (s *Scheduler) OnResumed(contactID storage.ContactID) {
	s.mu.Lock()
	if s.states[contactID] != Paused {
		s.mu.Unlock()
		return
	}
	pingID, hasPending := s.pendingRetry[contactID]
	if hasPending {
		s.states[contactID] = Backoff
	} else {
		s.states[contactID] = Idle
	}
	s.mu.Unlock()

	if hasPending {
		s.OnDownloadStarted(contactID)
		s.downloader.Download(contactID, pingID)
	}
}

// SetDeviceProtection flips the consent gate. Turning protection on pauses
// every contact; turning it off resumes them.
func (s *Scheduler) SetDeviceProtection(enabled bool) {
	s.mu.Lock()
	s.deviceProtection = enabled
	var toResume []storage.ContactID
	if enabled {
		for id := range s.states {
			s.stopRetryLocked(id)
			s.states[id] = Paused
		}
	} else {
		for id, st := range s.states {
			if st == Paused {
				toResume = append(toResume, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range toResume {
		s.OnResumed(id)
	}
}

// SetForeground records which chat the user is viewing (0 for none).
func (s *Scheduler) SetForeground(contactID storage.ContactID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = contactID
}

// Close stops all pending retry timers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.retryTimers {
		s.stopRetryLocked(id)
	}
}

func (s *Scheduler) scheduleRetryLocked(contactID storage.ContactID, delay time.Duration) {
	s.stopRetryLocked(contactID)
	s.retryTimers[contactID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.states[contactID] != Backoff {
			s.mu.Unlock()
			return
		}
		pingID, ok := s.pendingRetry[contactID]
		s.mu.Unlock()
		if !ok {
			return
		}
		s.OnDownloadStarted(contactID)
		s.downloader.Download(contactID, pingID)
	})
}

func (s *Scheduler) stopRetryLocked(contactID storage.ContactID) {
	if t, ok := s.retryTimers[contactID]; ok {
		t.Stop()
		delete(s.retryTimers, contactID)
	}
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
