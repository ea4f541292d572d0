// Package beacon encodes, decodes and authenticates the advertisement payload
// broadcast by classroom beacons.
//
// Wire format, version 1 (22 bytes, integers big-endian):
//
//	offset  len  field
//	0       1    version (0x01)
//	1       1    flags: bit 0 high-power/discoverable, bit 1 reserved, bits 2-7 zero
//	2       4    class id
//	6       4    session token (rotates, see Rotation)
//	10      4    faculty id
//	14      8    signature: HMAC-SHA256(secret, bytes[0:14]) truncated to 8 bytes
//
// A payload is decoded once at this boundary into an Advertisement; nothing
// downstream looks at raw bytes again.
package beacon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	Version1      byte = 0x01
	HeaderLen          = 14
	SignatureLen       = 8
	PayloadLen         = HeaderLen + SignatureLen
	FlagHighPower byte = 1 << 0
	FlagReserved  byte = 1 << 1
	definedFlags       = FlagHighPower | FlagReserved
)

var (
	ErrMalformedPayload = errors.New("malformed beacon payload")
	ErrInvalidSignature = errors.New("invalid beacon signature")
	ErrExpiredToken     = errors.New("expired beacon session token")
	ErrUnknownClass     = errors.New("no beacon secret for class")
)

// Power is the broadcast mode carried in the flags byte.
type Power uint8

const (
	PowerStandard Power = iota
	PowerHigh
)

func (p Power) String() string {
	if p == PowerHigh {
		return "high"
	}
	return "standard"
}

func (p Power) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Power) UnmarshalText(b []byte) error {
	switch string(b) {
	case "high":
		*p = PowerHigh
	case "standard", "":
		*p = PowerStandard
	default:
		return fmt.Errorf("unknown beacon power %q", b)
	}
	return nil
}

type Advertisement struct {
	Version      byte   `json:"version"`
	ClassID      uint32 `json:"class_id"`
	SessionToken uint32 `json:"session_token"`
	FacultyID    uint32 `json:"faculty_id"`
	Flags        byte   `json:"flags"`
	Power        Power  `json:"power"`
	Signature    []byte `json:"signature,omitempty"`
	Raw          []byte `json:"-"`
}

// Encode serializes ad and signs it with secret. Version defaults to 1 and
// the Power variant is folded into the flags byte.
func Encode(ad Advertisement, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("beacon secret is empty")
	}
	if ad.Version == 0 {
		ad.Version = Version1
	}
	if ad.Version != Version1 {
		return nil, fmt.Errorf("unsupported beacon version %d", ad.Version)
	}
	flags := ad.Flags &^ FlagHighPower
	if ad.Power == PowerHigh {
		flags |= FlagHighPower
	}
	if flags&^definedFlags != 0 {
		return nil, fmt.Errorf("undefined flag bits set: %#02x", flags)
	}
	buf := make([]byte, PayloadLen)
	buf[0] = ad.Version
	buf[1] = flags
	binary.BigEndian.PutUint32(buf[2:6], ad.ClassID)
	binary.BigEndian.PutUint32(buf[6:10], ad.SessionToken)
	binary.BigEndian.PutUint32(buf[10:14], ad.FacultyID)
	copy(buf[HeaderLen:], sign(secret, buf[:HeaderLen]))
	return buf, nil
}

// Decode parses raw without checking the signature.
func Decode(raw []byte) (Advertisement, error) {
	if len(raw) < 1 {
		return Advertisement{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if raw[0] != Version1 {
		return Advertisement{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, raw[0])
	}
	if len(raw) != PayloadLen {
		return Advertisement{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedPayload, len(raw), PayloadLen)
	}
	flags := raw[1]
	if flags&^definedFlags != 0 {
		return Advertisement{}, fmt.Errorf("%w: undefined flag bits %#02x", ErrMalformedPayload, flags)
	}
	ad := Advertisement{
		Version:      raw[0],
		Flags:        flags,
		ClassID:      binary.BigEndian.Uint32(raw[2:6]),
		SessionToken: binary.BigEndian.Uint32(raw[6:10]),
		FacultyID:    binary.BigEndian.Uint32(raw[10:14]),
		Signature:    append([]byte(nil), raw[HeaderLen:]...),
		Raw:          append([]byte(nil), raw...),
	}
	if flags&FlagHighPower != 0 {
		ad.Power = PowerHigh
	}
	return ad, nil
}

func sign(secret, header []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(header)
	return mac.Sum(nil)[:SignatureLen]
}

// Codec verifies advertisements against a keyring and, when configured,
// a session token window.
type Codec struct {
	keys   Keyring
	tokens TokenWindow
	now    func() time.Time
}

func NewCodec(keys Keyring, tokens TokenWindow) *Codec {
	return &Codec{keys: keys, tokens: tokens, now: time.Now}
}

// WithClock returns a copy of c reading time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// WithTokens returns a copy of c checking freshness against tokens.
func (c *Codec) WithTokens(tokens TokenWindow) *Codec {
	cp := *c
	cp.tokens = tokens
	return &cp
}

// Verify decodes raw and authenticates it. When decoding succeeds the
// advertisement is returned alongside any verification error so callers can
// report which class a rejected beacon claimed.
func (c *Codec) Verify(raw []byte) (Advertisement, error) {
	ad, err := Decode(raw)
	if err != nil {
		return Advertisement{}, err
	}
	if c.keys == nil {
		return ad, fmt.Errorf("%w: %d", ErrUnknownClass, ad.ClassID)
	}
	secret, ok := c.keys.Secret(ad.ClassID)
	if !ok || len(secret) == 0 {
		return ad, fmt.Errorf("%w: %d", ErrUnknownClass, ad.ClassID)
	}
	if !hmac.Equal(sign(secret, raw[:HeaderLen]), ad.Signature) {
		return ad, ErrInvalidSignature
	}
	if c.tokens != nil && !c.tokens.Accepts(ad.ClassID, ad.SessionToken, c.now()) {
		return ad, fmt.Errorf("%w: class %d token %d", ErrExpiredToken, ad.ClassID, ad.SessionToken)
	}
	return ad, nil
}

// ErrorKind maps a codec error to a stable short name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, ErrUnknownClass):
		return "unknown_class"
	}
	return "error"
}
