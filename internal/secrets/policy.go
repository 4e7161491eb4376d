// Package secrets computes the effective set of sensitive paths for a
// configuration and enforces masking on everything the system writes out.
package secrets

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/keboola/osiris-sub003/internal/common/canonical"
	"github.com/keboola/osiris-sub003/internal/core"
)

// Strategy selects how a secret value is redacted.
type Strategy string

const (
	StrategyMask Strategy = "mask"
	StrategyDrop Strategy = "drop"
	StrategyHash Strategy = "hash"
)

// DefaultMask is the replacement token for masked scalars.
const DefaultMask = "***"

// Policy is the redaction policy for one component's configuration.
type Policy struct {
	// Paths are slash-separated paths into the configuration tree. Numeric
	// segments index sequences; ~1 escapes '/' and ~0 escapes '~'.
	Paths    []string
	Strategy Strategy
	Mask     string
}

// NewPolicy builds a policy, applying defaults for strategy and mask string.
func NewPolicy(paths []string, strategy Strategy, mask string) *Policy {
	if strategy == "" {
		strategy = StrategyMask
	}
	if mask == "" {
		mask = DefaultMask
	}
	return &Policy{Paths: paths, Strategy: strategy, Mask: mask}
}

// Apply returns a deep copy of v with every secret path redacted, plus a flag
// indicating whether any redaction occurred.
func (p *Policy) Apply(v any) (any, bool) {
	if p == nil || len(p.Paths) == 0 {
		return v, false
	}
	out := deepCopy(v)
	redacted := false
	for _, path := range p.Paths {
		if p.redactPath(&out, ParsePath(path)) {
			redacted = true
		}
	}
	return out, redacted
}

func (p *Policy) redactPath(root *any, segments []string) bool {
	if len(segments) == 0 {
		return false
	}
	return redactAt(root, segments, func(parent map[string]any, key string) bool {
		val, ok := parent[key]
		if !ok {
			return false
		}
		switch p.Strategy {
		case StrategyDrop:
			delete(parent, key)
		case StrategyHash:
			fp, err := canonical.Fingerprint(val)
			if err != nil {
				parent[key] = p.Mask
			} else {
				parent[key] = "sha256:" + fp[:16]
			}
		default:
			parent[key] = p.Mask
		}
		return true
	})
}

// redactAt walks segments to the parent map of the final segment and invokes
// fn on it. Sequence segments must be valid indices.
func redactAt(root *any, segments []string, fn func(parent map[string]any, key string) bool) bool {
	cur := *root
	for i := 0; i < len(segments)-1; i++ {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[segments[i]]
			if !ok {
				return false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(segments[i])
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			cur = node[idx]
		default:
			return false
		}
	}

	last := segments[len(segments)-1]
	switch node := cur.(type) {
	case map[string]any:
		return fn(node, last)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return false
		}
		// Sequence elements cannot be dropped without reindexing; mask in place.
		node[idx] = DefaultMask
		return true
	default:
		return false
	}
}

// Scan asserts that the value at every declared secret path is absent, the
// mask token, or an environment-variable reference of the form ${NAME}.
// Anything else is a leak.
func Scan(v any, paths []string) error {
	for _, path := range paths {
		val, found := Lookup(v, ParsePath(path))
		if !found {
			continue
		}
		if isRedacted(val) {
			continue
		}
		return fmt.Errorf("%w: path %s", core.ErrSecretLeak, path)
	}
	return nil
}

func isRedacted(val any) bool {
	s, ok := val.(string)
	if !ok {
		return false
	}
	if s == "" || s == DefaultMask || strings.HasPrefix(s, "sha256:") {
		return true
	}
	return IsEnvRef(s)
}

// Lookup resolves a parsed path against a configuration tree.
func Lookup(v any, segments []string) (any, bool) {
	cur := v
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ParsePath splits a slash-separated secret path, unescaping ~1 to '/' and
// ~0 to '~' per segment.
func ParsePath(path string) []string {
	raw := strings.Split(strings.TrimPrefix(path, "/"), "/")
	segments := make([]string, len(raw))
	for i, seg := range raw {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		segments[i] = seg
	}
	return segments
}

var envRefRe = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// IsEnvRef reports whether s is an environment-variable reference ${NAME}.
func IsEnvRef(s string) bool {
	return envRefRe.MatchString(s)
}

// EnvRefName returns the variable name of an ${NAME} reference.
func EnvRefName(s string) (string, bool) {
	m := envRefRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
