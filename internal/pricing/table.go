// Package pricing maps free-text model names onto canonical keys and prices
// token usage against a versioned rate table.
package pricing

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

//go:embed table.yaml
var builtinTable []byte

// Rates are USD per million tokens.
type Rates struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheWrite decimal.Decimal
	CacheRead  decimal.Decimal
}

// Table is an immutable set of model rates and name aliases. Alias keys are
// stored in cleaned form.
type Table struct {
	Version string
	Models  map[string]Rates
	Aliases map[string]string
}

type rawRates struct {
	Input      float64 `mapstructure:"input"`
	Output     float64 `mapstructure:"output"`
	CacheWrite float64 `mapstructure:"cache_write"`
	CacheRead  float64 `mapstructure:"cache_read"`
}

type rawTable struct {
	Version string              `mapstructure:"version"`
	Models  map[string]rawRates `mapstructure:"models"`
	Aliases map[string]string   `mapstructure:"aliases"`
}

// DefaultTable returns the built-in table.
func DefaultTable() (*Table, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(builtinTable)); err != nil {
		return nil, fmt.Errorf("reading built-in pricing table: %w", err)
	}
	return decode(v, "built-in")
}

// LoadTable returns the built-in table with overridePath merged over it.
// An empty overridePath yields the built-in table.
func LoadTable(overridePath string) (*Table, error) {
	table, err := DefaultTable()
	if err != nil {
		return nil, err
	}
	if overridePath == "" {
		return table, nil
	}

	v := newViper()
	v.SetConfigFile(overridePath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading pricing table %s: %w", overridePath, err)
	}
	override, err := decode(v, overridePath)
	if err != nil {
		return nil, err
	}
	return table.Merge(override), nil
}

// Model keys contain dots in the wild ("claude-3.5-sonnet"), so the default
// "." delimiter would split them into nested keys.
func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigType("yaml")
	return v
}

func decode(v *viper.Viper, source string) (*Table, error) {
	var raw rawTable
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decoding pricing table %s: %w", source, err)
	}

	t := &Table{
		Version: raw.Version,
		Models:  make(map[string]Rates, len(raw.Models)),
		Aliases: make(map[string]string, len(raw.Aliases)),
	}
	for key, r := range raw.Models {
		if r.Input < 0 || r.Output < 0 || r.CacheWrite < 0 || r.CacheRead < 0 {
			return nil, fmt.Errorf("pricing table %s: negative rate for %s", source, key)
		}
		t.Models[key] = Rates{
			Input:      decimal.NewFromFloat(r.Input),
			Output:     decimal.NewFromFloat(r.Output),
			CacheWrite: decimal.NewFromFloat(r.CacheWrite),
			CacheRead:  decimal.NewFromFloat(r.CacheRead),
		}
	}
	for alias, target := range raw.Aliases {
		t.Aliases[clean(alias)] = target
	}
	return t, nil
}

// Merge returns a new table with o's entries layered over t's.
func (t *Table) Merge(o *Table) *Table {
	merged := &Table{
		Version: t.Version,
		Models:  lo.Assign(t.Models, o.Models),
		Aliases: lo.Assign(t.Aliases, o.Aliases),
	}
	if o.Version != "" {
		merged.Version = t.Version + "+" + o.Version
	}
	return merged
}

// Keys returns the canonical model keys in sorted order.
func (t *Table) Keys() []string {
	keys := lo.Keys(t.Models)
	sort.Strings(keys)
	return keys
}
