package domain

import (
	"regexp"
	"testing"
	"time"
)

func TestNewRequestID(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	re := regexp.MustCompile(`^op_20240309_140507_[0-9a-f]{6}$`)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewRequestID(now)
		if !re.MatchString(id) {
			t.Fatalf("id %q does not match format", id)
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Errorf("only %d unique ids out of 50", len(seen))
	}
}
