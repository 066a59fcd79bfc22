package shellrt

import "testing"

// TestApprovalCache_S6_ApprovalIsReused matches spec.md §8 scenario S6 and
// testable property 5: once a key is approved, no further approval prompt
// is issued for it.
func TestApprovalCache_S6_ApprovalIsReused(t *testing.T) {
	cache := NewApprovalCache()
	key := NewApprovalKey([]string{"rm", "-rf", "tmp"}, ".", false)

	if _, found := cache.Get(key); found {
		t.Fatal("expected no cached decision before the first dispatch")
	}

	// First dispatch: user approves.
	cache.Set(key, true)

	// Second dispatch of the identical call: must not need prompting again.
	approved, found := cache.Get(key)
	if !found {
		t.Fatal("expected the approval to be cached after Set")
	}
	if !approved {
		t.Error("expected the cached decision to be approved")
	}
}

func TestApprovalCache_DenyIsAlsoCached(t *testing.T) {
	cache := NewApprovalCache()
	key := NewApprovalKey([]string{"rm", "-rf", "/"}, ".", true)

	cache.Set(key, false)

	approved, found := cache.Get(key)
	if !found {
		t.Fatal("expected the denial to be cached")
	}
	if approved {
		t.Error("expected the cached decision to be denied")
	}
}

func TestApprovalCache_DistinctKeysDoNotCollide(t *testing.T) {
	cache := NewApprovalCache()
	k1 := NewApprovalKey([]string{"rm", "-rf", "tmp"}, ".", false)
	k2 := NewApprovalKey([]string{"rm", "-rf", "tmp"}, ".", true) // escalated differs
	k3 := NewApprovalKey([]string{"rm", "-rf", "tmp"}, "/other", false)

	cache.Set(k1, true)

	if _, found := cache.Get(k2); found {
		t.Error("escalated flag must be part of the cache key")
	}
	if _, found := cache.Get(k3); found {
		t.Error("cwd must be part of the cache key")
	}
}
