// Package core is the orchestrator: it ties the ping inbox, the wake
// protocol, the transport, the key chains and the download scheduler into the
// end-to-end send and receive pipelines, and owns the broadcast bus observers
// subscribe to.
package core

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/inbox"
	"github.com/secure-legion/legion/internal/backoff"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/internal/metrics"
	"github.com/secure-legion/legion/keychain"
	"github.com/secure-legion/legion/outbox"
	"github.com/secure-legion/legion/scheduler"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/transport"
	"github.com/secure-legion/legion/wire"
)

// Identity is the local peer: the long-term signing key, the encryption key
// and the messaging onion address peers dial.
type Identity struct {
	SigningKey   ed25519.PrivateKey
	SigningPub   []byte
	X25519Priv   []byte
	OnionAddress string
}

// Options carries the recognised protocol configuration.
type Options struct {
	ReplayWindow           time.Duration
	SkipWindowSize         int
	SkipKeyTTL             time.Duration
	SendMaxAttempts        int
	SendBackoffBase        time.Duration
	SendBackoffCap         time.Duration
	JitterFraction         float64
	PongDeadline           time.Duration
	MsgAckDeadline         time.Duration
	ConnectionReuseMaxAge  time.Duration
	DeviceProtection       bool
	PingRetryCadence       time.Duration
	SessionTTL             time.Duration
	GCInterval             time.Duration
	UndecryptableAbandonAt int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ReplayWindow:           5 * time.Minute,
		SkipWindowSize:         1000,
		SkipKeyTTL:             30 * 24 * time.Hour,
		SendMaxAttempts:        8,
		SendBackoffBase:        2 * time.Second,
		SendBackoffCap:         5 * time.Minute,
		JitterFraction:         0.25,
		PongDeadline:           25 * time.Second,
		MsgAckDeadline:         30 * time.Second,
		ConnectionReuseMaxAge:  30 * time.Second,
		PingRetryCadence:       2 * time.Second,
		SessionTTL:             5 * time.Minute,
		GCInterval:             time.Hour,
		UndecryptableAbandonAt: 5,
	}
}

// Core is the orchestrator.
type Core struct {
	identity Identity
	opts     Options

	store     storage.Store
	keys      *keychain.Manager
	inbox     *inbox.Inbox
	queue     *outbox.Queue
	sched     *scheduler.Scheduler
	client    *transport.Client
	listener  *transport.Listener
	validator *wire.Validator
	bus       *events.Bus
	log       logger.Logger

	sessions *sessionTable
	waiters  *waiters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are the injected collaborators.
type Deps struct {
	Store    storage.Store
	Dial     transport.ContextDialFunc
	Listener *transport.Listener
	Bus      *events.Bus
	Logger   logger.Logger
}

// New wires a core from its dependencies.
func New(identity Identity, opts Options, deps Deps) *Core {
	def := DefaultOptions()
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = def.ReplayWindow
	}
	if opts.PongDeadline <= 0 {
		opts.PongDeadline = def.PongDeadline
	}
	if opts.MsgAckDeadline <= 0 {
		opts.MsgAckDeadline = def.MsgAckDeadline
	}
	if opts.PingRetryCadence <= 0 {
		opts.PingRetryCadence = def.PingRetryCadence
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = def.SessionTTL
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = def.GCInterval
	}
	if opts.UndecryptableAbandonAt <= 0 {
		opts.UndecryptableAbandonAt = def.UndecryptableAbandonAt
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}

	policy := backoff.Policy{
		Base:   opts.SendBackoffBase,
		Cap:    opts.SendBackoffCap,
		Jitter: opts.JitterFraction,
	}

	c := &Core{
		identity: identity,
		opts:     opts,
		store:    deps.Store,
		bus:      bus,
		log:      log,
		listener: deps.Listener,
		sessions: newSessionTable(opts.SessionTTL),
		waiters:  newWaiters(),
	}

	c.keys = keychain.NewManager(deps.Store, identity.SigningPub, keychain.Config{
		SkipWindowSize: opts.SkipWindowSize,
		SkipKeyTTL:     opts.SkipKeyTTL,
	})
	c.inbox = inbox.New(deps.Store, log)
	c.validator = wire.NewValidator(opts.ReplayWindow, deps.Store.Nonces(), deps.Store.Contacts())
	c.client = transport.NewClient(deps.Dial, transport.ClientConfig{
		ReuseMaxAge: opts.ConnectionReuseMaxAge,
	}, log)
	c.sched = scheduler.New(downloaderFunc(c.startDownload), bus, policy, opts.DeviceProtection, log)
	c.queue = outbox.New(deps.Store, senderFunc(c.deliver), bus, outbox.Config{
		MaxAttempts: opts.SendMaxAttempts,
		Policy:      policy,
		AttemptTime: opts.PongDeadline + opts.MsgAckDeadline,
	}, log)

	return c
}

// downloaderFunc adapts the core's download entry point to the scheduler's
// outbound interface, breaking the conceptual cycle with an injected func.
type downloaderFunc func(contactID storage.ContactID, pingID string)

func (f downloaderFunc) Download(contactID storage.ContactID, pingID string) { f(contactID, pingID) }

// senderFunc adapts the delivery cycle to the outbox worker.
type senderFunc func(ctx context.Context, rec *storage.OutboxRecord) error

func (f senderFunc) Deliver(ctx context.Context, rec *storage.OutboxRecord) error {
	return f(ctx, rec)
}

// Bus returns the event bus observers subscribe to.
func (c *Core) Bus() *events.Bus { return c.bus }

// Keys exposes the chain manager for contact bootstrap.
func (c *Core) Keys() *keychain.Manager { return c.keys }

// Scheduler exposes the download state machine, read by the UI bridge.
func (c *Core) Scheduler() *scheduler.Scheduler { return c.sched }

// Start launches the receive loop, the retry worker and the GC sweeper.
func (c *Core) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.queue.Start(c.ctx); err != nil {
		return err
	}
	if c.listener != nil {
		if err := c.listener.Start(c.ctx); err != nil {
			return err
		}
		c.wg.Add(1)
		go c.receiveLoop()
	}
	c.wg.Add(1)
	go c.gcLoop()

	// Re-adopt downloads interrupted by a crash: claimed rows go back
	// through the scheduler, consent-gated rows stay parked.
	c.recoverPending()
	return nil
}

// Stop shuts the pipelines down.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.queue.Stop()
	c.sched.Close()
	c.client.Close()
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
}

// recoverPending rescans rows parked mid-download by a previous process.
func (c *Core) recoverPending() {
	for _, state := range []storage.PingState{storage.DownloadQueued, storage.FailedTemp, storage.PongSent} {
		rows, err := c.inbox.Pending(c.ctx, state)
		if err != nil {
			c.log.Warn("pending scan failed", logger.Error(err))
			continue
		}
		for _, rec := range rows {
			c.sched.OnDownloadStarted(rec.ContactID)
			c.startDownload(rec.ContactID, rec.PingID)
		}
	}
}

// gcLoop applies the retention policy: aged inbox rows, expired replay
// nonces, expired skip keys, lapsed sessions.
func (c *Core) gcLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if n, err := c.inbox.Sweep(c.ctx, now); err != nil {
				c.log.Warn("inbox sweep failed", logger.Error(err))
			} else if n > 0 {
				c.log.Info("inbox rows swept", logger.Int("count", int(n)))
			}
			if _, err := c.store.Nonces().DeleteExpired(c.ctx, now); err != nil {
				c.log.Warn("nonce sweep failed", logger.Error(err))
			}
			c.keys.SweepSkippedKeys(now)
			metrics.SkippedKeysCached.Set(float64(c.keys.SkippedKeyCount()))
			c.sessions.sweep()
		case <-c.ctx.Done():
			return
		}
	}
}
