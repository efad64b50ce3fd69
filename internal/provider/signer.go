package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleNonce       = errors.New("nonce outside freshness window")
)

// DefaultNonceWindow bounds how far an inbound nonce may drift from now.
const DefaultNonceWindow = 5 * time.Minute

// Sign returns hex(HMAC-SHA256(secret, nonce+method+path+body)).
func Sign(secret, nonce, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(nonce))
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Signer signs outbound requests with a strictly increasing millisecond
// nonce, so two requests in the same millisecond never share a nonce.
type Signer struct {
	key    string
	secret string
	last   atomic.Int64
	now    func() time.Time
}

// NewSigner creates a signer for the given API key and secret.
func NewSigner(key, secret string) *Signer {
	return &Signer{key: key, secret: secret, now: time.Now}
}

// Nonce returns the next nonce: wall-clock milliseconds, bumped past the
// previous value when the clock has not advanced.
func (s *Signer) Nonce() string {
	for {
		prev := s.last.Load()
		next := s.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if s.last.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// Authorization returns the header value "Bitso <key>:<nonce>:<signature>".
func (s *Signer) Authorization(method, path string, body []byte) string {
	nonce := s.Nonce()
	return fmt.Sprintf("Bitso %s:%s:%s", s.key, nonce, Sign(s.secret, nonce, method, path, body))
}

// Verifier checks inbound webhook signatures made with the same scheme.
type Verifier struct {
	secret string
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier; window <= 0 uses DefaultNonceWindow.
func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultNonceWindow
	}
	return &Verifier{secret: secret, window: window, now: time.Now}
}

// WithClock replaces the time source (tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks signature against nonce+method+path+body and rejects
// nonces (millisecond timestamps) outside the freshness window.
func (v *Verifier) Verify(nonce, method, path string, body []byte, signature string) error {
	if nonce == "" || signature == "" {
		return ErrMissingSignature
	}
	ms, err := strconv.ParseInt(nonce, 10, 64)
	if err != nil {
		return ErrStaleNonce
	}
	drift := v.now().Sub(time.UnixMilli(ms))
	if drift > v.window || drift < -v.window {
		return ErrStaleNonce
	}

	expected := Sign(v.secret, nonce, method, path, body)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
