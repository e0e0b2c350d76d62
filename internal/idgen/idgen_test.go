package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pay_")
	if !strings.HasPrefix(id, "pay_") || len(id) != len("pay_")+24 {
		t.Errorf("unexpected id %q", id)
	}
}

func TestNonce_Base36(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-z]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := RequestNonce()
		if !re.MatchString(n) {
			t.Fatalf("nonce %q is not 32 base36 chars", n)
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %q", n)
		}
		seen[n] = true
	}
	if Nonce(0) != "" {
		t.Error("zero-length nonce should be empty")
	}
}
