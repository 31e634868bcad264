package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID returns an identifier of the form
// session-<base36 unix millis>-<6 random base36 chars>.
func NewSessionID() string {
	now := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("session-%s-%s", now, randomBase36(6))
}

// NewRequestID returns a UUIDv4 request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// NewWorkerID returns the canonical worker-N identifier.
func NewWorkerID(n int) string {
	return fmt.Sprintf("worker-%d", n)
}

// NewTraceID returns a 16-byte hex trace id per the W3C trace context spec.
func NewTraceID() string {
	return randomHex(16)
}

// NewSpanID returns an 8-byte hex span id per the W3C trace context spec.
func NewSpanID() string {
	return randomHex(8)
}

func randomBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand exhaustion is not survivable here
			panic(err)
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
