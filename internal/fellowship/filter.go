package fellowship

import "strings"

// Default keys used by the filters.
const (
	DefaultDedupKey = "program_name"
)

// DefaultRequiredKeys lists the fields a record must carry to be complete.
func DefaultRequiredKeys() []string {
	return []string{"name", "PGY"}
}

// IsComplete reports whether rec holds every required key with a non-empty value.
func IsComplete(rec Record, requiredKeys []string) bool {
	for _, key := range requiredKeys {
		v, ok := rec.Get(key)
		if !ok || strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// IsDuplicate reports whether programName was already seen.
func IsDuplicate(programName string, seen SeenSet) bool {
	return seen.Contains(programName)
}

// SeenSet tracks program names across paginated requests.
type SeenSet map[string]struct{}

// NewSeenSet returns an empty set.
func NewSeenSet() SeenSet {
	return make(SeenSet)
}

// Add marks name as seen.
func (s SeenSet) Add(name string) {
	s[name] = struct{}{}
}

// Contains reports whether name was seen.
func (s SeenSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of distinct names.
func (s SeenSet) Len() int {
	return len(s)
}

// Verdict is the outcome of running a record through a Filter.
type Verdict string

// Filter verdicts.
const (
	VerdictKept       Verdict = "kept"
	VerdictIncomplete Verdict = "incomplete"
	VerdictDuplicate  Verdict = "duplicate"
)

// Filter applies the completeness check and then the duplicate check. A
// record only enters the seen set once it has been kept.
type Filter struct {
	requiredKeys []string
	dedupKey     string
	seen         SeenSet
}

// NewFilter builds a Filter. An empty dedupKey falls back to DefaultDedupKey.
func NewFilter(requiredKeys []string, dedupKey string) *Filter {
	if dedupKey == "" {
		dedupKey = DefaultDedupKey
	}
	return &Filter{
		requiredKeys: append([]string(nil), requiredKeys...),
		dedupKey:     dedupKey,
		seen:         NewSeenSet(),
	}
}

// Admit classifies rec and records kept program names.
func (f *Filter) Admit(rec Record) Verdict {
	if !IsComplete(rec, f.requiredKeys) {
		return VerdictIncomplete
	}
	name := f.ProgramName(rec)
	if IsDuplicate(name, f.seen) {
		return VerdictDuplicate
	}
	f.seen.Add(name)
	return VerdictKept
}

// ProgramName returns the dedup key value of rec ("" when absent).
func (f *Filter) ProgramName(rec Record) string {
	return rec.Value(f.dedupKey)
}

// Seen returns the number of distinct program names kept so far.
func (f *Filter) Seen() int {
	return f.seen.Len()
}
