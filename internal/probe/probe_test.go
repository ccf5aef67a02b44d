package probe

import (
	"context"
	"testing"
)

func TestCheckMissingBinary(t *testing.T) {
	res := Check(context.Background(), "definitely-not-a-real-binary-xyz")
	if res.Available {
		t.Error("expected unavailable for missing binary")
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}
}

func TestCheckAvailable(t *testing.T) {
	// go is guaranteed present in any environment that runs these tests,
	// but it wants "version" not "--version"; use sh which accepts both.
	res := Check(context.Background(), "sh")
	if !res.Available {
		t.Skipf("sh --version unsupported on this platform: %s", res.Error)
	}
	if res.Version == "" {
		t.Error("expected a version string")
	}
}
