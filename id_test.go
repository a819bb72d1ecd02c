package sala

import (
	"testing"
	"time"
)

func TestNewIDUniqueAndSortable(t *testing.T) {
	const n = 1000
	seen := make(map[string]bool, n)
	prev := ""
	for i := 0; i < n; i++ {
		id := NewID()
		if len(id) != 36 {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if i%100 == 0 {
			// UUIDv7 ids generated across distinct milliseconds sort by time.
			time.Sleep(2 * time.Millisecond)
			if prev != "" && id <= prev {
				t.Errorf("id %q not greater than earlier %q", id, prev)
			}
			prev = id
		}
	}
}
