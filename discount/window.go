package discount

import (
	"strings"
	"time"
)

// =============================================================================
// WINDOW - Validity period of a code or schedule
// =============================================================================

// Window bounds when a promotion can be used. A nil bound is open.
type Window struct {
	From  *time.Time
	Until *time.Time
}

// Contains returns true if t is within [From, Until].
func (w Window) Contains(t time.Time) bool {
	return !w.NotYet(t) && !w.Over(t)
}

// NotYet returns true if t is before From.
func (w Window) NotYet(t time.Time) bool {
	return w.From != nil && t.Before(*w.From)
}

// Over returns true if t is after Until.
func (w Window) Over(t time.Time) bool {
	return w.Until != nil && t.After(*w.Until)
}

// Valid returns false when Until is before From.
func (w Window) Valid() bool {
	return w.From == nil || w.Until == nil || !w.Until.Before(*w.From)
}

func (w Window) String() string {
	f, u := "-inf", "+inf"
	if w.From != nil {
		f = w.From.Format(time.RFC3339)
	}
	if w.Until != nil {
		u = w.Until.Format(time.RFC3339)
	}
	return "[" + f + ", " + u + "]"
}

// =============================================================================
// NORMALIZATION HELPERS
// =============================================================================

// NormalizeCode upper-cases and trims a discount code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// normalizeList upper-cases, trims and de-duplicates currency or country codes.
func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// allows treats an empty list as unrestricted.
func allows(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	value = strings.ToUpper(strings.TrimSpace(value))
	for _, s := range list {
		if s == value {
			return true
		}
	}
	return false
}
