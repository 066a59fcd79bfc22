// Package turnsign signs the is_user_turn header sent with every wire
// request, so a tampered client cannot claim a system-initiated turn is
// user-initiated (or vice versa) and skew turn-count based rate limiting.
package turnsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// secret is compiled into the binary and shared with the server side that
// verifies it. Rotate by shipping a new build, not a config value — a
// config value would defeat the point of binding the secret to the binary.
const secret = "agentcore_turn_signing_secret_v1"

// ValiditySeconds is how long a signature remains acceptable after issuance.
const ValiditySeconds = 300

// ClockSkewSeconds bounds how far into the future a timestamp may sit
// before it's rejected as forged.
const ClockSkewSeconds = 60

// Signature is the result of signing one turn.
type Signature struct {
	IsUserTurn bool
	Timestamp  int64
	Hex        string
}

// TurnValue returns the wire value of IsUserTurn.
func (s Signature) TurnValue() string {
	if s.IsUserTurn {
		return "user"
	}
	return "system"
}

// Sign produces a fresh signature for conversationID at the given instant.
func Sign(conversationID string, isUserTurn bool, now time.Time) Signature {
	ts := now.Unix()
	return Signature{
		IsUserTurn: isUserTurn,
		Timestamp:  ts,
		Hex:        compute(conversationID, isUserTurn, ts),
	}
}

func compute(conversationID string, isUserTurn bool, ts int64) string {
	turn := "system"
	if isUserTurn {
		turn = "user"
	}
	message := fmt.Sprintf("%s:%s:%d", conversationID, turn, ts)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature presented by a caller claiming isUserTurn at
// timestamp ts, as of now. Mirrors the reference verifier: reject expired
// signatures, reject timestamps too far in the future, compare in constant
// time.
func Verify(conversationID string, isUserTurn bool, ts int64, signature string, now time.Time) error {
	nowSec := now.Unix()

	if nowSec > ts+ValiditySeconds {
		return fmt.Errorf("signature expired")
	}
	if ts > nowSec+ClockSkewSeconds {
		return fmt.Errorf("timestamp in future")
	}

	expected := compute(conversationID, isUserTurn, ts)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Headers returns the HTTP header values a wire client attaches to every
// request: conversation id, is_user_turn, timestamp, signature.
func (s Signature) Headers(conversationID string) map[string]string {
	return map[string]string{
		"X-Conversation-Id": conversationID,
		"X-Is-User-Turn":    s.TurnValue(),
		"X-Turn-Timestamp":  strconv.FormatInt(s.Timestamp, 10),
		"X-Turn-Signature":  s.Hex,
	}
}
