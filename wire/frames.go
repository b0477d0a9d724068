// Package wire implements the wake-protocol frames: PING, PONG, MESSAGE and
// ACK, all framed as [1-byte type][payload] with big-endian integers. PING and
// PONG are Ed25519-signed over the bytes preceding the signature.
package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Frame type bytes.
const (
	TypePing    byte = 0x01
	TypePong    byte = 0x02
	TypeMessage byte = 0x03
	TypeAck     byte = 0x04
)

// ACK kinds.
const (
	AckPing byte = 1
	AckMsg  byte = 2
)

// Silent content-type tags carried unencrypted in the first byte of a MESSAGE
// ciphertext envelope. Unknown tags render as visible.
const (
	TagSilentProfile  byte = 0x0F
	TagSilentReaction byte = 0x10
)

// IsSilentTag reports whether a ciphertext envelope tag suppresses UI
// side-effects.
func IsSilentTag(tag byte) bool {
	return tag == TagSilentProfile || tag == TagSilentReaction
}

// Sentinel decode/validation errors.
var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrUnknownType    = errors.New("wire: unknown frame type")
	ErrStaleTimestamp = errors.New("wire: timestamp outside replay window")
	ErrReplay         = errors.New("wire: nonce replay")
	ErrUnknownSender  = errors.New("wire: unknown sender")
	ErrBadSignature   = errors.New("wire: bad signature")
)

// Fixed field sizes.
const (
	PingIDSize    = 16
	PubKeySize    = 32
	NonceSize     = 24
	SignatureSize = 64
	HeaderSize    = PubKeySize + 8 + NonceSize

	pingFrameSize = 1 + PingIDSize + 2*PubKeySize + 8 + NonceSize + SignatureSize
	pongFrameSize = 1 + PingIDSize + 1 + 8 + SignatureSize
	ackFrameSize  = 1 + PingIDSize + 1
)

// PingID is the opaque 16-byte wake-token identifier.
type PingID [PingIDSize]byte

// NewPingID returns a fresh random ping identifier.
func NewPingID() (PingID, error) {
	var id PingID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, fmt.Errorf("read ping id: %w", err)
	}
	return id, nil
}

// String returns the base64 form used as the database key.
func (id PingID) String() string {
	return base64.RawStdEncoding.EncodeToString(id[:])
}

// ParsePingID decodes the base64 database key form.
func ParsePingID(s string) (PingID, error) {
	var id PingID
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(b) != PingIDSize {
		return id, fmt.Errorf("%w: bad ping id", ErrMalformedFrame)
	}
	copy(id[:], b)
	return id, nil
}

// Ping announces pending ciphertext to a recipient. It conveys no payload.
type Ping struct {
	PingID       PingID
	SenderPub    []byte
	RecipientPub []byte
	Timestamp    time.Time
	Nonce        []byte
	Signature    []byte
}

// EncodePing builds and signs a PING frame.
func EncodePing(p *Ping, signer ed25519.PrivateKey) ([]byte, error) {
	if len(p.SenderPub) != PubKeySize || len(p.RecipientPub) != PubKeySize {
		return nil, fmt.Errorf("%w: bad key size", ErrMalformedFrame)
	}
	if len(p.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce size", ErrMalformedFrame)
	}

	buf := make([]byte, 0, pingFrameSize)
	buf = append(buf, TypePing)
	buf = append(buf, p.PingID[:]...)
	buf = append(buf, p.SenderPub...)
	buf = append(buf, p.RecipientPub...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp.Unix()))
	buf = append(buf, p.Nonce...)

	sig := ed25519.Sign(signer, buf)
	p.Signature = sig
	return append(buf, sig...), nil
}

// DecodePing parses a PING frame. Length and magic checks happen before any
// crypto; signature verification belongs to the Validator.
func DecodePing(frame []byte) (*Ping, error) {
	if len(frame) != pingFrameSize || frame[0] != TypePing {
		return nil, fmt.Errorf("%w: ping", ErrMalformedFrame)
	}
	p := &Ping{}
	off := 1
	copy(p.PingID[:], frame[off:off+PingIDSize])
	off += PingIDSize
	p.SenderPub = append([]byte(nil), frame[off:off+PubKeySize]...)
	off += PubKeySize
	p.RecipientPub = append([]byte(nil), frame[off:off+PubKeySize]...)
	off += PubKeySize
	p.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(frame[off:off+8])), 0)
	off += 8
	p.Nonce = append([]byte(nil), frame[off:off+NonceSize]...)
	off += NonceSize
	p.Signature = append([]byte(nil), frame[off:off+SignatureSize]...)
	return p, nil
}

// SignedBytes returns the portion of the frame covered by the signature.
func (p *Ping) SignedBytes() []byte {
	buf := make([]byte, 0, pingFrameSize-SignatureSize)
	buf = append(buf, TypePing)
	buf = append(buf, p.PingID[:]...)
	buf = append(buf, p.SenderPub...)
	buf = append(buf, p.RecipientPub...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp.Unix()))
	return append(buf, p.Nonce...)
}

// Pong is the recipient's signed consent to receive the pending ciphertext.
type Pong struct {
	PingID        PingID
	Authenticated bool
	Timestamp     time.Time
	Signature     []byte
}

// EncodePong builds and signs a PONG frame.
func EncodePong(p *Pong, signer ed25519.PrivateKey) ([]byte, error) {
	buf := make([]byte, 0, pongFrameSize)
	buf = append(buf, TypePong)
	buf = append(buf, p.PingID[:]...)
	if p.Authenticated {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp.Unix()))

	sig := ed25519.Sign(signer, buf)
	p.Signature = sig
	return append(buf, sig...), nil
}

// DecodePong parses a PONG frame.
func DecodePong(frame []byte) (*Pong, error) {
	if len(frame) != pongFrameSize || frame[0] != TypePong {
		return nil, fmt.Errorf("%w: pong", ErrMalformedFrame)
	}
	p := &Pong{}
	off := 1
	copy(p.PingID[:], frame[off:off+PingIDSize])
	off += PingIDSize
	p.Authenticated = frame[off] == 1
	off++
	p.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(frame[off:off+8])), 0)
	off += 8
	p.Signature = append([]byte(nil), frame[off:off+SignatureSize]...)
	return p, nil
}

// SignedBytes returns the portion of the frame covered by the signature.
func (p *Pong) SignedBytes() []byte {
	buf := make([]byte, 0, pongFrameSize-SignatureSize)
	buf = append(buf, TypePong)
	buf = append(buf, p.PingID[:]...)
	if p.Authenticated {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp.Unix()))
}

// MessageHeader is the key-chain header carried in every MESSAGE frame and
// used as AEAD associated data.
type MessageHeader struct {
	SenderPub []byte
	Counter   uint64
	Nonce     []byte
}

// Marshal encodes the header into its 64-byte wire form.
func (h *MessageHeader) Marshal() ([]byte, error) {
	if len(h.SenderPub) != PubKeySize {
		return nil, fmt.Errorf("%w: header sender key", ErrMalformedFrame)
	}
	if len(h.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: header nonce", ErrMalformedFrame)
	}
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, h.SenderPub...)
	buf = binary.BigEndian.AppendUint64(buf, h.Counter)
	return append(buf, h.Nonce...), nil
}

// UnmarshalMessageHeader decodes a 64-byte header.
func UnmarshalMessageHeader(b []byte) (*MessageHeader, error) {
	if len(b) != HeaderSize {
		return nil, fmt.Errorf("%w: header", ErrMalformedFrame)
	}
	h := &MessageHeader{}
	h.SenderPub = append([]byte(nil), b[:PubKeySize]...)
	h.Counter = binary.BigEndian.Uint64(b[PubKeySize : PubKeySize+8])
	h.Nonce = append([]byte(nil), b[PubKeySize+8:]...)
	return h, nil
}

// Message carries the encrypted payload for an announced ping.
type Message struct {
	PingID     PingID
	Header     *MessageHeader
	Ciphertext []byte
}

// EncodeMessage builds a MESSAGE frame.
func EncodeMessage(m *Message) ([]byte, error) {
	hdr, err := m.Header.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+PingIDSize+HeaderSize+len(m.Ciphertext))
	buf = append(buf, TypeMessage)
	buf = append(buf, m.PingID[:]...)
	buf = append(buf, hdr...)
	return append(buf, m.Ciphertext...), nil
}

// DecodeMessage parses a MESSAGE frame.
func DecodeMessage(frame []byte) (*Message, error) {
	if len(frame) < 1+PingIDSize+HeaderSize+1 || frame[0] != TypeMessage {
		return nil, fmt.Errorf("%w: message", ErrMalformedFrame)
	}
	m := &Message{}
	off := 1
	copy(m.PingID[:], frame[off:off+PingIDSize])
	off += PingIDSize
	hdr, err := UnmarshalMessageHeader(frame[off : off+HeaderSize])
	if err != nil {
		return nil, err
	}
	m.Header = hdr
	off += HeaderSize
	m.Ciphertext = append([]byte(nil), frame[off:]...)
	return m, nil
}

// Ack acknowledges a PING or a stored MESSAGE.
type Ack struct {
	PingID PingID
	Kind   byte
}

// EncodeAck builds an ACK frame.
func EncodeAck(a *Ack) []byte {
	buf := make([]byte, 0, ackFrameSize)
	buf = append(buf, TypeAck)
	buf = append(buf, a.PingID[:]...)
	return append(buf, a.Kind)
}

// DecodeAck parses an ACK frame.
func DecodeAck(frame []byte) (*Ack, error) {
	if len(frame) != ackFrameSize || frame[0] != TypeAck {
		return nil, fmt.Errorf("%w: ack", ErrMalformedFrame)
	}
	a := &Ack{}
	copy(a.PingID[:], frame[1:1+PingIDSize])
	a.Kind = frame[1+PingIDSize]
	if a.Kind != AckPing && a.Kind != AckMsg {
		return nil, fmt.Errorf("%w: ack kind %d", ErrMalformedFrame, a.Kind)
	}
	return a, nil
}

// FrameType returns the type byte of an encoded frame.
func FrameType(frame []byte) (byte, error) {
	if len(frame) == 0 {
		return 0, ErrMalformedFrame
	}
	t := frame[0]
	if t < TypePing || t > TypeAck {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, t)
	}
	return t, nil
}
