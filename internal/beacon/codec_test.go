package beacon

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("classroom-shared-secret")

func testAd() Advertisement {
	return Advertisement{ClassID: 4021, SessionToken: 99812, FacultyID: 77, Power: PowerHigh}
}

func TestEncodeDecodeVerifyRoundTrip(t *testing.T) {
	raw, err := Encode(testAd(), testSecret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != PayloadLen {
		t.Fatalf("payload length %d", len(raw))
	}
	codec := NewCodec(StaticKeyring{Default: testSecret}, nil)
	ad, err := codec.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ad.ClassID != 4021 || ad.SessionToken != 99812 || ad.FacultyID != 77 {
		t.Fatalf("field mismatch: %+v", ad)
	}
	if ad.Power != PowerHigh || ad.Flags&FlagHighPower == 0 {
		t.Fatalf("expected high power variant, got %v flags %#02x", ad.Power, ad.Flags)
	}
}

func TestRoundTripAcrossFieldValues(t *testing.T) {
	codec := NewCodec(StaticKeyring{Default: testSecret}, nil)
	values := []uint32{0, 1, 255, 65535, 1 << 31, ^uint32(0)}
	for _, v := range values {
		for _, p := range []Power{PowerStandard, PowerHigh} {
			ad := Advertisement{ClassID: v, SessionToken: ^v, FacultyID: v / 3, Power: p}
			raw, err := Encode(ad, testSecret)
			if err != nil {
				t.Fatalf("encode %d: %v", v, err)
			}
			got, err := codec.Verify(raw)
			if err != nil {
				t.Fatalf("verify %d: %v", v, err)
			}
			if got.ClassID != ad.ClassID || got.SessionToken != ad.SessionToken || got.FacultyID != ad.FacultyID || got.Power != p {
				t.Fatalf("mismatch for %d: %+v", v, got)
			}
		}
	}
}

func TestFlippingAnySignatureByteFailsVerification(t *testing.T) {
	raw, err := Encode(testAd(), testSecret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	codec := NewCodec(StaticKeyring{Default: testSecret}, nil)
	for i := HeaderLen; i < PayloadLen; i++ {
		for _, mask := range []byte{0x01, 0x80, 0xFF} {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= mask
			if _, err := codec.Verify(tampered); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("byte %d mask %#02x: expected ErrInvalidSignature, got %v", i, mask, err)
			}
		}
	}
}

func TestTamperedHeaderFailsVerification(t *testing.T) {
	raw, _ := Encode(testAd(), testSecret)
	tampered := append([]byte(nil), raw...)
	tampered[5] ^= 0x01
	codec := NewCodec(StaticKeyring{Default: testSecret}, nil)
	if _, err := codec.Verify(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestWrongSecretFailsVerification(t *testing.T) {
	raw, _ := Encode(testAd(), testSecret)
	codec := NewCodec(StaticKeyring{Default: []byte("other")}, nil)
	if _, err := codec.Verify(raw); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestMalformedPayloads(t *testing.T) {
	raw, _ := Encode(testAd(), testSecret)
	badFlags := append([]byte(nil), raw...)
	badFlags[1] |= 0x10
	cases := map[string][]byte{
		"empty":         nil,
		"short":         raw[:PayloadLen-1],
		"long":          append(append([]byte(nil), raw...), 0x00),
		"version":       append([]byte{0x02}, raw[1:]...),
		"undefined bit": badFlags,
	}
	codec := NewCodec(StaticKeyring{Default: testSecret}, nil)
	for name, payload := range cases {
		if _, err := codec.Verify(payload); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}

func TestUnknownClassSecret(t *testing.T) {
	raw, _ := Encode(testAd(), testSecret)
	codec := NewCodec(StaticKeyring{PerClass: map[uint32][]byte{1: testSecret}}, nil)
	ad, err := codec.Verify(raw)
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
	if ad.ClassID != 4021 {
		t.Fatalf("expected decoded class id alongside error")
	}
}

func TestStaleTokenIsExpired(t *testing.T) {
	raw, _ := Encode(testAd(), testSecret)
	codec := NewCodec(StaticKeyring{Default: testSecret}, SessionTokens{ClassID: 4021, Tokens: []uint32{1, 2}})
	if _, err := codec.Verify(raw); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
	codec = codec.WithTokens(SessionTokens{ClassID: 4021, Tokens: []uint32{99812}})
	if _, err := codec.Verify(raw); err != nil {
		t.Fatalf("expected current token to verify, got %v", err)
	}
}

func TestRotationWindow(t *testing.T) {
	keys := StaticKeyring{Default: testSecret}
	rot := Rotation{Keys: keys, Interval: time.Minute, Skew: 1}
	base := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	cur, ok := rot.Current(4021, base)
	if !ok {
		t.Fatalf("expected current token")
	}
	if !rot.Accepts(4021, cur, base.Add(59*time.Second)) {
		t.Fatalf("token from previous slot should be accepted within skew")
	}
	if rot.Accepts(4021, cur, base.Add(3*time.Minute)) {
		t.Fatalf("token older than skew should be rejected")
	}
	if other, _ := rot.Current(4022, base); other == cur {
		t.Fatalf("tokens should differ between classes")
	}

	ad := testAd()
	ad.SessionToken = cur
	raw, _ := Encode(ad, testSecret)
	codec := NewCodec(keys, rot).WithClock(func() time.Time { return base.Add(10 * time.Minute) })
	if _, err := codec.Verify(raw); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken after rotation, got %v", err)
	}
	codec = codec.WithClock(func() time.Time { return base })
	if _, err := codec.Verify(raw); err != nil {
		t.Fatalf("expected fresh token to verify: %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	if ErrorKind(ErrInvalidSignature) != "invalid_signature" {
		t.Fatalf("unexpected kind")
	}
	_, err := Decode([]byte{1, 2})
	if ErrorKind(err) != "malformed_payload" {
		t.Fatalf("unexpected kind for %v", err)
	}
}
