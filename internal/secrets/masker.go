package secrets

import (
	"sort"
	"strings"
	"sync"
)

// minMaskLength is the minimum value length to mask; shorter values would
// cause excessive false positives when scrubbing free-form text.
const minMaskLength = 3

// Masker scrubs known sensitive values out of any line the session writes.
// It is the last line of defense behind the path-based policy: even if a
// driver echoes a secret into an event field, the value never reaches disk.
// Safe for concurrent use; an abandoned driver goroutine may still be
// emitting while the next step registers its secrets.
type Masker struct {
	mu     sync.RWMutex
	values []string // sorted longest first
}

// NewMasker builds a masker over the given sensitive values.
func NewMasker(values []string) *Masker {
	return &Masker{values: sortValues(values)}
}

// sortValues dedupes, drops too-short values, and orders longest first so
// that substrings of longer secrets do not leave partial matches behind.
func sortValues(values []string) []string {
	uniq := make(map[string]struct{}, len(values))
	for _, v := range values {
		if len(v) >= minMaskLength {
			uniq[v] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(uniq))
	for v := range uniq {
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	return sorted
}

// Add registers further sensitive values discovered mid-run (e.g. env values
// substituted at step execution time).
func (m *Masker) Add(values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = sortValues(append(m.values, values...))
}

// MaskString replaces every occurrence of a sensitive value.
func (m *Masker) MaskString(input string) string {
	if m == nil {
		return input
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := input
	for _, v := range m.values {
		out = strings.ReplaceAll(out, v, DefaultMask)
	}
	return out
}

// MaskBytes replaces sensitive values in raw bytes.
func (m *Masker) MaskBytes(input []byte) []byte {
	return []byte(m.MaskString(string(input)))
}
