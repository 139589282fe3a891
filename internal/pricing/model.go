package pricing

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/marcus/tokentally/internal/usage"
)

// Substring alias matching ignores cleaned inputs shorter than this, so a bare
// family name like "sonnet" is not resolved to an arbitrary version.
const minSubstringLen = 7

var (
	separators = strings.NewReplacer("-", "", "_", "", ".", "", " ", "", "/", "", ":", "", "@", "")
	dateToken  = regexp.MustCompile(`[-_@.]?\d{8}`)
	families   = []string{"opus", "sonnet", "haiku"}
	million    = decimal.NewFromInt(1_000_000)
)

// Tokens are the billable counts of one event.
type Tokens struct {
	Input         int64
	Output        int64
	CacheCreation int64
	CacheRead     int64
}

// TokensOf extracts the billable counts of e.
func TokensOf(e usage.Event) Tokens {
	return Tokens{
		Input:         e.InputTokens,
		Output:        e.OutputTokens,
		CacheCreation: e.CacheCreationTokens,
		CacheRead:     e.CacheReadTokens,
	}
}

// Model resolves names and prices usage against one Table. It is safe for
// concurrent use.
type Model struct {
	table *Table

	// index maps cleaned names (aliases and cleaned canonical keys) to
	// canonical keys.
	index map[string]string
	// byLen holds index keys longest first, ties broken lexically.
	byLen []string

	cache sync.Map // raw name -> canonical key
}

// New builds a Model over t.
func New(t *Table) *Model {
	m := &Model{table: t, index: make(map[string]string, len(t.Aliases)+len(t.Models))}
	for key := range t.Models {
		m.index[clean(key)] = key
	}
	for alias, target := range t.Aliases {
		m.index[alias] = target
	}
	m.byLen = lo.Keys(m.index)
	sort.Slice(m.byLen, func(i, j int) bool {
		a, b := m.byLen[i], m.byLen[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return m
}

// Version returns the table version.
func (m *Model) Version() string {
	return m.table.Version
}

// Table returns the underlying table.
func (m *Model) Table() *Table {
	return m.table
}

// Normalize maps a raw model name onto a canonical key. Names that match
// nothing come back lowercased and trimmed.
func (m *Model) Normalize(raw string) string {
	if v, ok := m.cache.Load(raw); ok {
		return v.(string)
	}
	key := m.normalize(raw)
	m.cache.Store(raw, key)
	return key
}

func (m *Model) normalize(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return ""
	}
	if key, ok := m.resolve(name); ok {
		return key
	}

	undated := dateToken.ReplaceAllString(name, "")
	if undated != name && undated != "" {
		if key, ok := m.resolve(undated); ok {
			return key
		}
	}

	if key, ok := m.guess(undated); ok {
		return key
	}
	return strings.ToLower(name)
}

// resolve tries exact, alias and substring matching in that order.
func (m *Model) resolve(name string) (string, bool) {
	if _, ok := m.table.Models[name]; ok {
		return name, true
	}
	lower := strings.ToLower(name)
	if _, ok := m.table.Models[lower]; ok {
		return lower, true
	}

	c := clean(name)
	if c == "" {
		return "", false
	}
	if key, ok := m.index[c]; ok {
		return key, true
	}

	for _, alias := range m.byLen {
		if containsWhole(c, alias) {
			return m.index[alias], true
		}
	}
	if len(c) >= minSubstringLen {
		for i := len(m.byLen) - 1; i >= 0; i-- {
			if strings.Contains(m.byLen[i], c) {
				return m.index[m.byLen[i]], true
			}
		}
	}
	return "", false
}

// containsWhole reports whether alias occurs in c without a digit right
// after it, so "claudesonnet4" does not match "claudesonnet46".
func containsWhole(c, alias string) bool {
	for from := 0; ; {
		i := strings.Index(c[from:], alias)
		if i < 0 {
			return false
		}
		end := from + i + len(alias)
		if end == len(c) || c[end] < '0' || c[end] > '9' {
			return true
		}
		from += i + 1
	}
}

// guess combines a family keyword with the version digits in name.
func (m *Model) guess(name string) (string, bool) {
	c := clean(name)
	family, ok := lo.Find(families, func(f string) bool { return strings.Contains(c, f) })
	if !ok {
		return "", false
	}
	digits := lo.Filter([]rune(c), func(r rune, _ int) bool { return r >= '0' && r <= '9' })
	if len(digits) == 0 {
		return "", false
	}

	// A minor version never falls back to its major: an unlisted release is
	// reported unpriced rather than billed at an older rate.
	versions := [][]string{{string(digits[0])}}
	if len(digits) >= 2 {
		versions = [][]string{{string(digits[0]), string(digits[1])}}
	}

	for _, v := range versions {
		ver := strings.Join(v, "-")
		for _, candidate := range []string{
			"claude-" + family + "-" + ver,
			"claude-" + ver + "-" + family,
		} {
			if _, ok := m.table.Models[candidate]; ok {
				return candidate, true
			}
		}
	}
	return "", false
}

// Known reports whether key has rates.
func (m *Model) Known(key string) bool {
	_, ok := m.table.Models[key]
	return ok
}

// Rates returns the rates for key.
func (m *Model) Rates(key string) (Rates, bool) {
	r, ok := m.table.Models[key]
	return r, ok
}

// Price returns the USD cost of tokens under key. Unknown keys cost 0.
func (m *Model) Price(key string, t Tokens) float64 {
	r, ok := m.table.Models[key]
	if !ok {
		return 0
	}
	cost := perMillion(t.Input, r.Input).
		Add(perMillion(t.Output, r.Output)).
		Add(perMillion(t.CacheCreation, r.CacheWrite)).
		Add(perMillion(t.CacheRead, r.CacheRead))
	return cost.InexactFloat64()
}

func perMillion(tokens int64, rate decimal.Decimal) decimal.Decimal {
	if tokens == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(rate).Div(million)
}

// Apply normalizes e.Model and recomputes e.Cost, discarding whatever cost
// the source carried. It reports whether the model had rates; events with no
// model always report true.
func (m *Model) Apply(e *usage.Event) bool {
	if !e.Billable() {
		e.Cost = 0
		return true
	}
	e.Model = m.Normalize(e.Model)
	e.Cost = m.Price(e.Model, TokensOf(*e))
	return m.Known(e.Model)
}

func clean(s string) string {
	return separators.Replace(strings.ToLower(strings.TrimSpace(s)))
}
