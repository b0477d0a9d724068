package core

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/secure-legion/legion/core/events"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/internal/metrics"
	"github.com/secure-legion/legion/outbox"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/transport"
	"github.com/secure-legion/legion/wire"
)

// SendOptions selects the payload kind and the unencrypted envelope tag.
type SendOptions struct {
	Type storage.MessageType
	Tag  byte // 0 = visible; wire.TagSilentProfile / TagSilentReaction suppress UI
}

// Send encrypts the payload, enqueues it durably and returns. The chain
// advance, the outbound copy and the outbox record commit in one
// transaction; delivery runs asynchronously and is reported through
// OUTBOX_STATUS_CHANGED events.
func (c *Core) Send(ctx context.Context, contactID storage.ContactID, body []byte, opts SendOptions) (string, error) {
	if _, err := c.store.Contacts().Get(ctx, contactID); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	pingID, err := wire.NewPingID()
	if err != nil {
		return "", err
	}
	messageID := uuid.NewString()
	if opts.Type == "" {
		opts.Type = storage.TypeText
	}

	now := time.Now()
	_, _, err = c.keys.EncryptNext(ctx, contactID, body, func(tx storage.Store, header *wire.MessageHeader, aeadCT []byte) error {
		hdr, err := header.Marshal()
		if err != nil {
			return err
		}
		stored := make([]byte, 0, len(hdr)+1+len(aeadCT))
		stored = append(stored, hdr...)
		stored = append(stored, opts.Tag)
		stored = append(stored, aeadCT...)

		if err := c.queue.EnqueueTx(ctx, tx, &storage.OutboxRecord{
			MessageID:  messageID,
			PingID:     pingID.String(),
			ContactID:  contactID,
			Ciphertext: stored,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		// Our own copy for history, ordered by the same chain counter.
		_, err = tx.Messages().Create(ctx, &storage.StoredMessage{
			MessageID: messageID,
			ContactID: contactID,
			Direction: storage.Outbound,
			Type:      opts.Type,
			Body:      body,
			Counter:   header.Counter,
			SentAt:    now,
			StoredAt:  now,
			Read:      true,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	c.bus.Publish(events.Event{
		Type:      events.OutboxStatusChanged,
		ContactID: contactID,
		MessageID: messageID,
		Status:    string(storage.OutboxPending),
	})
	c.queue.Schedule(messageID, now)
	return messageID, nil
}

// Resend re-enqueues a failed message under a fresh pingId; the messageId and
// ciphertext are preserved.
func (c *Core) Resend(ctx context.Context, messageID string) error {
	pingID, err := wire.NewPingID()
	if err != nil {
		return err
	}
	return c.queue.Resend(ctx, messageID, pingID.String())
}

// deliver runs one full delivery attempt: signed PING with a retry cadence
// until the PONG deadline, MESSAGE on the circuit the PONG chose, then the
// MSG_ACK wait. Implements the outbox sender contract.
func (c *Core) deliver(ctx context.Context, rec *storage.OutboxRecord) error {
	started := time.Now()

	contact, err := c.store.Contacts().Get(ctx, rec.ContactID)
	if err != nil {
		metrics.SendAttempts.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%w: contact %d gone", outbox.ErrPermanent, rec.ContactID)
	}
	if _, err := c.store.KeyChains().Get(ctx, rec.ContactID); err != nil {
		metrics.SendAttempts.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%w: key chain missing", outbox.ErrPermanent)
	}
	if len(rec.Ciphertext) < wire.HeaderSize+2 {
		metrics.SendAttempts.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%w: corrupt outbox ciphertext", outbox.ErrPermanent)
	}

	header, err := wire.UnmarshalMessageHeader(rec.Ciphertext[:wire.HeaderSize])
	if err != nil {
		metrics.SendAttempts.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%w: %v", outbox.ErrPermanent, err)
	}
	envelope := rec.Ciphertext[wire.HeaderSize:]

	pingID, err := wire.ParsePingID(rec.PingID)
	if err != nil {
		metrics.SendAttempts.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%w: %v", outbox.ErrPermanent, err)
	}

	pongCh := c.waiters.registerPong(rec.PingID)
	ackCh := c.waiters.registerAck(rec.PingID)
	defer c.waiters.unregister(rec.PingID)

	// First transmission.
	conn, err := c.sendPingFrame(ctx, contact, pingID)
	if err != nil {
		metrics.SendAttempts.WithLabelValues("transient").Inc()
		return err
	}
	defer c.client.Release(contact.OnionAddress, conn)
	c.ensureReader(conn)

	// Await the PONG, re-pinging on the cadence. Each retransmission carries
	// a fresh nonce and timestamp so the peer's replay window accepts it.
	pongTimer := time.NewTimer(c.opts.PongDeadline)
	defer pongTimer.Stop()
	cadence := time.NewTicker(c.opts.PingRetryCadence)
	defer cadence.Stop()

	var arrival pongArrival
awaitPong:
	for {
		select {
		case arrival = <-pongCh:
			break awaitPong
		case <-ackCh:
			// The peer already stored this payload on an earlier attempt and
			// re-acked our retransmitted PING.
			if err := c.queue.MarkDelivered(ctx, rec.MessageID); err != nil {
				c.log.Warn("mark delivered failed", logger.Error(err))
			}
			metrics.SendAttempts.WithLabelValues("delivered").Inc()
			return nil
		case <-cadence.C:
			// Retransmit on the stream we already hold.
			frame, err := c.encodePingFrame(contact, pingID)
			if err == nil {
				err = conn.WriteFrame(ctx, frame)
			}
			if err != nil {
				c.log.Debug("ping retransmit failed", logger.Error(err))
			}
		case <-pongTimer.C:
			metrics.SendAttempts.WithLabelValues("transient").Inc()
			return fmt.Errorf("%w: pong deadline", transport.ErrTransient)
		case <-ctx.Done():
			metrics.SendAttempts.WithLabelValues("transient").Inc()
			return fmt.Errorf("%w: %v", transport.ErrTransient, ctx.Err())
		}
	}

	if err := c.queue.MarkPingDelivered(ctx, rec.MessageID); err != nil {
		c.log.Warn("mark ping delivered failed", logger.Error(err))
	}
	metrics.OutboxTransitions.WithLabelValues(string(storage.OutboxPingDelivered)).Inc()

	// Send the MESSAGE on the stream the PONG arrived on; fall back to the
	// ping stream when the peer answered through our listener but that
	// stream has since died.
	msgFrame, err := wire.EncodeMessage(&wire.Message{
		PingID:     pingID,
		Header:     header,
		Ciphertext: envelope,
	})
	if err != nil {
		metrics.SendAttempts.WithLabelValues("permanent").Inc()
		return fmt.Errorf("%w: %v", outbox.ErrPermanent, err)
	}

	msgConn := arrival.conn
	if msgConn == nil {
		msgConn = conn
	}
	msgCtx, cancel := context.WithTimeout(ctx, c.opts.MsgAckDeadline)
	defer cancel()
	if err := msgConn.WriteFrame(msgCtx, msgFrame); err != nil {
		if msgConn != conn {
			// The pong circuit died; the ping stream is still usable.
			if err2 := conn.WriteFrame(msgCtx, msgFrame); err2 != nil {
				metrics.SendAttempts.WithLabelValues("transient").Inc()
				return err2
			}
		} else {
			metrics.SendAttempts.WithLabelValues("transient").Inc()
			return err
		}
	}
	metrics.FramesSent.WithLabelValues("message", "reused").Inc()

	ackTimer := time.NewTimer(c.opts.MsgAckDeadline)
	defer ackTimer.Stop()
	select {
	case <-ackCh:
		if err := c.queue.MarkDelivered(ctx, rec.MessageID); err != nil {
			c.log.Warn("mark delivered failed", logger.Error(err))
		}
		metrics.OutboxTransitions.WithLabelValues(string(storage.OutboxMessageDelivered)).Inc()
		metrics.SendAttempts.WithLabelValues("delivered").Inc()
		metrics.SendDuration.Observe(time.Since(started).Seconds())
		return nil
	case <-ackTimer.C:
		metrics.SendAttempts.WithLabelValues("transient").Inc()
		return fmt.Errorf("%w: msg ack deadline", transport.ErrTransient)
	case <-ctx.Done():
		metrics.SendAttempts.WithLabelValues("transient").Inc()
		return fmt.Errorf("%w: %v", transport.ErrTransient, ctx.Err())
	}
}

// encodePingFrame signs a PING with a fresh nonce and timestamp, so every
// transmission clears the peer's replay window.
func (c *Core) encodePingFrame(contact *storage.Contact, pingID wire.PingID) ([]byte, error) {
	nonce := make([]byte, wire.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return wire.EncodePing(&wire.Ping{
		PingID:       pingID,
		SenderPub:    c.identity.SigningPub,
		RecipientPub: contact.SigningPubKey,
		Timestamp:    time.Now(),
		Nonce:        nonce,
	}, c.identity.SigningKey)
}

// sendPingFrame signs and transmits a PING, reusing a fresh pooled stream
// when one exists.
func (c *Core) sendPingFrame(ctx context.Context, contact *storage.Contact, pingID wire.PingID) (*transport.Conn, error) {
	frame, err := c.encodePingFrame(contact, pingID)
	if err != nil {
		return nil, err
	}
	return c.client.SendPing(ctx, contact.OnionAddress, frame)
}
