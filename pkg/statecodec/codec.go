// Package statecodec implements tamper-evident, expiring state tokens
// carried in cookies across identity-provider redirect boundaries.
//
// A token is `body.signature` where body is the base64url-encoded (no
// padding) JSON payload and signature is the base64url-encoded HMAC-SHA256
// of the body bytes. Every decode failure collapses to a single "absent"
// result so callers cannot distinguish a bad signature from an expired
// payload.
package statecodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var b64 = base64.RawURLEncoding

// ErrEmptySecret is returned when a codec is constructed without a secret.
var ErrEmptySecret = errors.New("statecodec: signing secret must not be empty")

// Expiring is implemented by payloads that carry an expiry timestamp.
// A zero expiry means the payload does not expire.
type Expiring interface {
	ExpiresAtUnix() int64
}

// Codec signs and verifies state payloads with an injected HMAC secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithNow overrides the clock used for expiry checks (for tests).
func WithNow(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// New creates a Codec with the given signing secret.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	c := &Codec{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode serializes the payload and returns a signed `body.signature` token.
func (c *Codec) Encode(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	body := b64.EncodeToString(raw)
	return body + "." + c.sign(body), nil
}

// Decode verifies the token signature, deserializes the body into dest, and
// enforces expiry. It returns false on any failure: malformed structure,
// signature mismatch, undecodable body, or expired payload. No failure
// detail is exposed.
func (c *Codec) Decode(token string, dest Expiring) bool {
	if token == "" {
		return false
	}
	dot := strings.IndexByte(token, '.')
	if dot <= 0 || dot >= len(token)-1 {
		return false
	}
	body, sig := token[:dot], token[dot+1:]

	expected := c.sign(body)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return false
	}

	raw, err := b64.DecodeString(body)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false
	}

	if exp := dest.ExpiresAtUnix(); exp > 0 && exp < c.now().Unix() {
		return false
	}
	return true
}

func (c *Codec) sign(body string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return b64.EncodeToString(mac.Sum(nil))
}
