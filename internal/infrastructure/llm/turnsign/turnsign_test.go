package turnsign

import (
	"testing"
	"time"
)

// TestSignVerify_RoundTrip covers testable property 4: verify(sign(conv,
// flag, t)) = Ok when the signature is presented promptly.
func TestSignVerify_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig := Sign("conv-1", true, now)

	if err := Verify("conv-1", true, sig.Timestamp, sig.Hex, now); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestVerify_TamperedConversationID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig := Sign("conv-1", true, now)

	if err := Verify("conv-2", true, sig.Timestamp, sig.Hex, now); err == nil {
		t.Fatal("expected an error for a tampered conversation id")
	}
}

func TestVerify_TamperedIsUserTurn(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig := Sign("conv-1", true, now)

	if err := Verify("conv-1", false, sig.Timestamp, sig.Hex, now); err == nil {
		t.Fatal("expected an error when the is_user_turn flag is flipped")
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig := Sign("conv-1", true, now)

	if err := Verify("conv-1", true, sig.Timestamp, sig.Hex[:len(sig.Hex)-1]+"0", now); err == nil {
		t.Fatal("expected an error for a tampered signature")
	}
}

func TestVerify_ExpiredAfterValidityWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig := Sign("conv-1", true, now)

	later := now.Add((ValiditySeconds + 1) * time.Second)
	if err := Verify("conv-1", true, sig.Timestamp, sig.Hex, later); err == nil {
		t.Fatal("expected an error once the validity window has elapsed")
	}
}

func TestVerify_TimestampTooFarInFuture(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add((ClockSkewSeconds + 1) * time.Second)
	sig := Sign("conv-1", true, future)

	if err := Verify("conv-1", true, sig.Timestamp, sig.Hex, now); err == nil {
		t.Fatal("expected an error for a timestamp further ahead than the allowed clock skew")
	}
}

func TestVerify_WithinClockSkewWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(ClockSkewSeconds * time.Second)
	sig := Sign("conv-1", true, future)

	if err := Verify("conv-1", true, sig.Timestamp, sig.Hex, now); err != nil {
		t.Errorf("Verify() = %v, want nil at exactly the clock skew boundary", err)
	}
}
