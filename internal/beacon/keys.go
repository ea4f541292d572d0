package beacon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// Keyring supplies the shared secret a class's beacons sign with.
type Keyring interface {
	Secret(classID uint32) ([]byte, bool)
}

// StaticKeyring serves per-class secrets with an optional fallback.
type StaticKeyring struct {
	Default  []byte
	PerClass map[uint32][]byte
}

func (k StaticKeyring) Secret(classID uint32) ([]byte, bool) {
	if s, ok := k.PerClass[classID]; ok && len(s) > 0 {
		return s, true
	}
	if len(k.Default) > 0 {
		return k.Default, true
	}
	return nil, false
}

// TokenWindow decides whether a session token is inside the current
// rotation window for a class.
type TokenWindow interface {
	Accepts(classID, token uint32, now time.Time) bool
}

// SessionTokens accepts an explicit token set issued by the session service.
type SessionTokens struct {
	ClassID uint32
	Tokens  []uint32
}

func (s SessionTokens) Accepts(classID, token uint32, _ time.Time) bool {
	if classID != s.ClassID {
		return false
	}
	for _, t := range s.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Rotation is the v1 rotating token scheme: every Interval the token for a
// class becomes the first four bytes of HMAC-SHA256(secret, "v1"|class|slot).
// Tokens from up to Skew neighbouring slots are accepted.
type Rotation struct {
	Keys     Keyring
	Interval time.Duration
	Skew     int
}

const rotationVersion = "v1"

func DeriveToken(secret []byte, classID uint32, slot int64) uint32 {
	var msg [len(rotationVersion) + 12]byte
	copy(msg[:], rotationVersion)
	binary.BigEndian.PutUint32(msg[2:6], classID)
	binary.BigEndian.PutUint64(msg[6:14], uint64(slot))
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg[:])
	return binary.BigEndian.Uint32(mac.Sum(nil)[:4])
}

func (r Rotation) interval() time.Duration {
	if r.Interval <= 0 {
		return 5 * time.Minute
	}
	return r.Interval
}

func (r Rotation) Slot(t time.Time) int64 {
	return t.UnixNano() / int64(r.interval())
}

func (r Rotation) Token(classID uint32, slot int64) (uint32, bool) {
	if r.Keys == nil {
		return 0, false
	}
	secret, ok := r.Keys.Secret(classID)
	if !ok {
		return 0, false
	}
	return DeriveToken(secret, classID, slot), true
}

func (r Rotation) Current(classID uint32, now time.Time) (uint32, bool) {
	return r.Token(classID, r.Slot(now))
}

// Window lists the accepted tokens for classID at now, current slot first.
func (r Rotation) Window(classID uint32, now time.Time) []uint32 {
	slot := r.Slot(now)
	cur, ok := r.Token(classID, slot)
	if !ok {
		return nil
	}
	out := []uint32{cur}
	for d := 1; d <= r.Skew; d++ {
		if t, ok := r.Token(classID, slot-int64(d)); ok {
			out = append(out, t)
		}
		if t, ok := r.Token(classID, slot+int64(d)); ok {
			out = append(out, t)
		}
	}
	return out
}

func (r Rotation) Accepts(classID, token uint32, now time.Time) bool {
	for _, t := range r.Window(classID, now) {
		if t == token {
			return true
		}
	}
	return false
}
