package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/internal/metrics"
	"github.com/secure-legion/legion/keychain"
	"github.com/secure-legion/legion/scheduler"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/transport"
	"github.com/secure-legion/legion/wire"
)

// receiveLoop drains the listener and dispatches every inbound frame.
func (c *Core) receiveLoop() {
	defer c.wg.Done()
	for f := range c.listener.Frames() {
		c.dispatch(f.Payload, f.Conn)
	}
}

// connReaders tracks which connections already have a read loop, so outbound
// streams are never read twice.
var connReaders sync.Map

// ensureReader starts a dispatch loop for an outbound connection the core
// owns. Inbound connections are read by the listener instead.
func (c *Core) ensureReader(conn *transport.Conn) {
	if _, loaded := connReaders.LoadOrStore(conn, struct{}{}); loaded {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer connReaders.Delete(conn)
		// Unblock the pending read on shutdown.
		stop := context.AfterFunc(c.ctx, func() { conn.Close() })
		defer stop()
		for {
			frame, err := conn.ReadFrame(c.ctx)
			if err != nil {
				return
			}
			c.dispatch(frame, conn)
		}
	}()
}

// dispatch routes one frame. Validation failures drop silently.
func (c *Core) dispatch(frame []byte, conn *transport.Conn) {
	t, err := wire.FrameType(frame)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	switch t {
	case wire.TypePing:
		metrics.FramesReceived.WithLabelValues("ping").Inc()
		c.handlePing(frame, conn)
	case wire.TypePong:
		metrics.FramesReceived.WithLabelValues("pong").Inc()
		c.handlePong(frame, conn)
	case wire.TypeMessage:
		metrics.FramesReceived.WithLabelValues("message").Inc()
		msg, err := wire.DecodeMessage(frame)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			return
		}
		if !c.waiters.deliverMsg(msg.PingID.String(), msgArrival{msg: msg, conn: conn}) {
			metrics.FramesDropped.WithLabelValues("unsolicited").Inc()
		}
	case wire.TypeAck:
		metrics.FramesReceived.WithLabelValues("ack").Inc()
		ack, err := wire.DecodeAck(frame)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			return
		}
		if ack.Kind == wire.AckMsg {
			c.waiters.deliverAck(ack.PingID.String(), ack)
		}
	}
}

// handlePing runs the ping leg of the receive pipeline: validate, record,
// ack, and hand the download decision to the scheduler.
func (c *Core) handlePing(frame []byte, conn *transport.Conn) {
	p, err := wire.DecodePing(frame)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}

	contact, err := c.validator.ValidatePing(c.ctx, p)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(dropReason(err)).Inc()
		c.log.Debug("ping dropped", logger.String("reason", dropReason(err)))
		return
	}

	now := time.Now()
	pingID := p.PingID.String()
	created, err := c.inbox.Record(c.ctx, p.PingID, contact.ID, frame, now)
	if err != nil {
		c.log.Warn("ping record failed", logger.String("ping_id", pingID), logger.Error(err))
		return
	}

	// Keep (or refresh) the session so a later PONG can reuse this stream.
	c.sessions.put(pingID, &session{senderPub: p.SenderPub, conn: conn})

	// Acknowledge receipt either way; duplicates stop here.
	ackCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	_ = c.client.SendAck(ackCtx, conn, wire.EncodeAck(&wire.Ack{PingID: p.PingID, Kind: wire.AckPing}))
	cancel()

	if !created {
		metrics.PingsRecorded.WithLabelValues("duplicate").Inc()
		// A retransmit for an already-stored payload means our MSG_ACK was
		// lost; repeat it on the wire without re-notifying downstream.
		if rec, err := c.inbox.Get(c.ctx, pingID); err == nil && rec.State == storage.MsgStored {
			ackCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			_ = c.client.SendAck(ackCtx, conn, wire.EncodeAck(&wire.Ack{PingID: p.PingID, Kind: wire.AckMsg}))
			cancel()
			return
		}
		c.maybeResumeDownload(contact.ID, pingID)
		return
	}
	metrics.PingsRecorded.WithLabelValues("new").Inc()
	c.bus.Publish(events.Event{Type: events.NewPing, ContactID: contact.ID})

	switch c.sched.OnPingArrived(contact.ID) {
	case scheduler.AutoDownload:
		claimed, err := c.inbox.ClaimForDownload(c.ctx, pingID, now)
		if err != nil {
			c.log.Warn("download claim failed", logger.String("ping_id", pingID), logger.Error(err))
			return
		}
		if claimed {
			metrics.PingTransitions.WithLabelValues(storage.DownloadQueued.String()).Inc()
			c.sched.OnDownloadStarted(contact.ID)
			c.startDownload(contact.ID, pingID)
		}
	case scheduler.ManualRequired:
		if ok, _ := c.inbox.MarkManualRequired(c.ctx, pingID, now); ok {
			metrics.PingTransitions.WithLabelValues(storage.ManualRequired.String()).Inc()
		}
	}
}

// maybeResumeDownload restarts a download for a retransmitted ping whose row
// is already claimed but not yet stored — the crash-after-PONG path.
func (c *Core) maybeResumeDownload(contactID storage.ContactID, pingID string) {
	rec, err := c.inbox.Get(c.ctx, pingID)
	if err != nil {
		return
	}
	switch rec.State {
	case storage.DownloadQueued, storage.FailedTemp, storage.PongSent:
		if c.sched.StateOf(contactID) == scheduler.Downloading {
			return // a download task is already running
		}
		c.sched.OnDownloadStarted(contactID)
		c.startDownload(contactID, pingID)
	}
}

// handlePong correlates a PONG to a pending outbound message.
func (c *Core) handlePong(frame []byte, conn *transport.Conn) {
	pong, err := wire.DecodePong(frame)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	pingID := pong.PingID.String()

	rec, err := c.store.Outbox().GetByPingID(c.ctx, pingID)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("unsolicited").Inc()
		return
	}
	contact, err := c.store.Contacts().Get(c.ctx, rec.ContactID)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("unknown_sender").Inc()
		return
	}
	if err := c.validator.ValidatePong(pong, contact.SigningPubKey); err != nil {
		metrics.FramesDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}
	c.waiters.deliverPong(pingID, pongArrival{pong: pong, conn: conn})
}

// startDownload spawns the download task for a claimed ping.
func (c *Core) startDownload(contactID storage.ContactID, pingID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.download(contactID, pingID)
	}()
}

// undecryptableCounts tracks decrypt failures per ping so hopeless rows stop
// being retried and age out with the sweep.
var undecryptableCounts sync.Map

// download runs the PONG + MESSAGE + ACK exchange for one claimed ping and
// commits the decrypted payload.
func (c *Core) download(contactID storage.ContactID, pingID string) {
	if n, ok := undecryptableCounts.Load(pingID); ok && n.(int) >= c.opts.UndecryptableAbandonAt {
		c.sched.OnDownloadAbandoned(contactID)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.PongDeadline+c.opts.MsgAckDeadline)
	defer cancel()

	rec, err := c.inbox.Get(ctx, pingID)
	if err != nil || rec.State == storage.MsgStored {
		c.sched.OnDownloadSucceeded(contactID)
		return
	}
	contact, err := c.store.Contacts().Get(ctx, contactID)
	if err != nil {
		c.log.Warn("download for unknown contact", logger.String("ping_id", pingID))
		c.sched.OnDownloadAbandoned(contactID)
		return
	}

	wirePingID, err := wire.ParsePingID(pingID)
	if err != nil {
		c.sched.OnDownloadAbandoned(contactID)
		return
	}

	pong := &wire.Pong{PingID: wirePingID, Authenticated: true, Timestamp: time.Now()}
	pongBytes, err := wire.EncodePong(pong, c.identity.SigningKey)
	if err != nil {
		c.sched.OnDownloadAbandoned(contactID)
		return
	}

	msgCh := c.waiters.registerMsg(pingID)
	defer c.waiters.unregister(pingID)

	var replyConn *transport.Conn
	sent := false
	if sess, ok := c.sessions.get(pingID); ok && sess.conn != nil {
		// Instant path: answer on the circuit the PING arrived on.
		if err := c.client.SendPongReuse(ctx, sess.conn, pongBytes); err == nil {
			sent = true
		} else if !errors.Is(err, transport.ErrHandleStale) {
			c.sessions.evict(pingID)
		}
	}
	if !sent {
		// Listener path: open a fresh connection to the sender's hidden
		// service. This path is authoritative and always available.
		conn, err := c.client.SendPongListener(ctx, contact.OnionAddress, pongBytes)
		if err != nil {
			c.failDownloadTransient(contactID, pingID, err)
			return
		}
		defer conn.Close()
		c.ensureReader(conn)
		replyConn = conn
	}

	if ok, _ := c.inbox.MarkPongSent(c.ctx, pingID, time.Now()); ok {
		metrics.PingTransitions.WithLabelValues(storage.PongSent.String()).Inc()
	}

	select {
	case arrival := <-msgCh:
		if arrival.conn != nil {
			replyConn = arrival.conn
		}
		c.storeArrivedMessage(ctx, contact, pingID, arrival.msg, replyConn)
	case <-ctx.Done():
		c.failDownloadTransient(contactID, pingID, ctx.Err())
	}
}

// storeArrivedMessage decrypts and persists the payload, marks the row
// stored, acks, and notifies observers — the persist, transition and chain
// advance share one transaction.
func (c *Core) storeArrivedMessage(ctx context.Context, contact *storage.Contact, pingID string, msg *wire.Message, replyConn *transport.Conn) {
	envelope := msg.Ciphertext
	if len(envelope) < 2 {
		c.failDownloadTransient(contact.ID, pingID, wire.ErrMalformedFrame)
		return
	}
	tag, aeadCT := envelope[0], envelope[1:]

	now := time.Now()
	stored := false
	_, err := c.keys.Decrypt(ctx, contact.ID, msg.Header, aeadCT, func(tx storage.Store, plaintext []byte) error {
		created, err := tx.Messages().Create(ctx, &storage.StoredMessage{
			MessageID: uuid.NewString(),
			PingID:    pingID,
			ContactID: contact.ID,
			Direction: storage.Inbound,
			Type:      typeForTag(tag),
			Body:      plaintext,
			Counter:   msg.Header.Counter,
			SentAt:    now,
			StoredAt:  now,
		})
		if err != nil {
			return err
		}
		stored = created
		_, err = c.inbox.MarkMsgStoredTx(ctx, tx, pingID, now)
		return err
	})
	if err != nil {
		if errors.Is(err, keychain.ErrUndecryptable) ||
			errors.Is(err, keychain.ErrReplayOrUnknown) ||
			errors.Is(err, keychain.ErrSkipWindowExceeded) {
			// No ack: the sender retransmits on its own timeline. The row
			// ages out with the sweep once the failure budget is spent.
			n, _ := undecryptableCounts.LoadOrStore(pingID, 0)
			undecryptableCounts.Store(pingID, n.(int)+1)
			metrics.MessagesUndecryptable.Inc()
			c.log.Warn("undecryptable payload abandoned", logger.String("ping_id", pingID))
			c.sched.OnDownloadAbandoned(contact.ID)
			return
		}
		c.failDownloadTransient(contact.ID, pingID, err)
		return
	}

	metrics.PingTransitions.WithLabelValues(storage.MsgStored.String()).Inc()
	if stored {
		metrics.MessagesStored.Inc()
	}

	// Ack on the stream the message arrived on, falling back to a fresh
	// connection to the sender's listener.
	ack := wire.EncodeAck(&wire.Ack{PingID: msg.PingID, Kind: wire.AckMsg})
	acked := false
	if replyConn != nil {
		if err := c.client.SendAck(ctx, replyConn, ack); err == nil {
			acked = true
		}
	}
	if !acked {
		if err := c.client.SendAckDial(ctx, contact.OnionAddress, ack); err != nil {
			c.log.Debug("msg ack delivery failed", logger.String("ping_id", pingID), logger.Error(err))
		}
	}

	c.sessions.evict(pingID)
	undecryptableCounts.Delete(pingID)
	c.sched.OnDownloadSucceeded(contact.ID)
	// Downstream renders only once: the stored flag guards the event for
	// re-downloads after a crash between store and ack.
	if stored && !wire.IsSilentTag(tag) {
		c.bus.Publish(events.Event{Type: events.MessageReceived, ContactID: contact.ID})
	}
}

func (c *Core) failDownloadTransient(contactID storage.ContactID, pingID string, err error) {
	if ok, _ := c.inbox.MarkFailedTemp(c.ctx, pingID, time.Now()); ok {
		metrics.PingTransitions.WithLabelValues(storage.FailedTemp.String()).Inc()
	}
	c.sched.OnDownloadFailedTransient(contactID, pingID)
	c.log.Debug("download failed, backoff scheduled",
		logger.String("ping_id", pingID),
		logger.Error(err),
	)
}

// typeForTag maps the unencrypted envelope tag to the stored message type.
// Unknown tags are visible text by contract.
func typeForTag(tag byte) storage.MessageType {
	switch tag {
	case wire.TagSilentProfile:
		return storage.TypeProfile
	case wire.TagSilentReaction:
		return storage.TypeReaction
	default:
		return storage.TypeText
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, wire.ErrReplay):
		return "replay"
	case errors.Is(err, wire.ErrBadSignature):
		return "signature"
	case errors.Is(err, wire.ErrUnknownSender):
		return "unknown_sender"
	default:
		return "malformed"
	}
}
