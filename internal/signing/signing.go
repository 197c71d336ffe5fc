// Package signing implements the HMAC callback signature scheme
// merchants verify on inbound webhooks.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// HeaderSignature, HeaderTimestamp, and HeaderIdempotencyKey are the
// callback headers.
const (
	HeaderSignature      = "X-Signature"
	HeaderTimestamp      = "X-Signature-Timestamp"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// MaxSkew is the timestamp tolerance merchants are told to enforce:
// reject messages whose timestamp skew exceeds 5 minutes.
const MaxSkew = 5 * time.Minute

// ErrInvalidSignature means the signature did not match the computed
// HMAC for the given body and timestamp.
var ErrInvalidSignature = errors.New("invalid callback signature")

// ErrSkewExceeded means the timestamp is further from now than MaxSkew
// permits.
var ErrSkewExceeded = errors.New("callback timestamp skew exceeds tolerance")

// Sign computes the hex-encoded HMAC-SHA256 over the canonical form
// `timestamp + "." + body`, and returns it formatted as the
// X-Signature header value (`v1=<hex>`).
func Sign(secret string, timestamp int64, body []byte) string {
	return "v1=" + hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify recomputes the signature for (secret, timestamp, body) and
// compares it against the `v1=<hex>` header value using a constant-time
// comparison. It returns ErrInvalidSignature on mismatch.
func Verify(secret string, timestamp int64, body []byte, header string) error {
	expected := mac(secret, timestamp, body)
	got, err := parseHeader(header)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyWithSkew is Verify plus the skew check a merchant is told to
// apply against the X-Signature-Timestamp header.
func VerifyWithSkew(secret string, timestamp int64, body []byte, header string, now time.Time) error {
	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return ErrSkewExceeded
	}
	return Verify(secret, timestamp, body, header)
}

func mac(secret string, timestamp int64, body []byte) []byte {
	canonical := strconv.FormatInt(timestamp, 10) + "." + string(body)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(canonical))
	return h.Sum(nil)
}

func parseHeader(header string) ([]byte, error) {
	const prefix = "v1="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, errors.New("malformed X-Signature header")
	}
	decoded, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return nil, errors.Wrap(err, "could not decode signature hex")
	}
	return decoded, nil
}

// Timestamp returns t as a unix-seconds string, matching the wire
// format of X-Signature-Timestamp.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%d", t.Unix())
}
