// Package pricing holds the static per-model price tables used for cost
// attribution. Tables are immutable after load; a sha256 checksum of the
// source file is logged at startup so operators can tie a deploy to the
// exact table in effect. Hot reload is out of scope.
package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// DefaultBytesPerToken is the byte-estimation divisor when a pricing entry
// does not override it.
const DefaultBytesPerToken = 4

var ErrNoPricing = errors.New("pricing: no entry for model")

// Entry prices one provider:model in micro-USD per 1M tokens.
type Entry struct {
	Provider            string `yaml:"provider"`
	Model               string `yaml:"model"`
	PromptMicroPerM     int64  `yaml:"prompt_micro_per_m"`
	CompletionMicroPerM int64  `yaml:"completion_micro_per_m"`
	ReasoningMicroPerM  int64  `yaml:"reasoning_micro_per_m"`
	BytesPerToken       int    `yaml:"bytes_per_token"`
}

// EffectiveBytesPerToken returns the byte-estimation divisor for this entry.
func (e Entry) EffectiveBytesPerToken() int {
	if e.BytesPerToken > 0 {
		return e.BytesPerToken
	}
	return DefaultBytesPerToken
}

// Cost computes the floor-division cost formula:
// input·p_in/1e6 + completion·p_out/1e6 + reasoning·p_reason/1e6.
func (e Entry) Cost(promptTokens, completionTokens, reasoningTokens int64) money.MicroUSD {
	cost := money.FromInt64(e.PromptMicroPerM).Mul(promptTokens).FloorDiv(1_000_000)
	cost = cost.Add(money.FromInt64(e.CompletionMicroPerM).Mul(completionTokens).FloorDiv(1_000_000))
	cost = cost.Add(money.FromInt64(e.ReasoningMicroPerM).Mul(reasoningTokens).FloorDiv(1_000_000))
	return cost
}

// Table is the immutable pricing lookup.
type Table struct {
	byModel   map[string]Entry // provider:model
	byDefault map[string]Entry // provider fallback (model "*")
	checksum  string
}

type fileFormat struct {
	Pricing []Entry `yaml:"pricing"`
}

// Load reads a YAML pricing file and returns the table plus its checksum.
func Load(path string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing load %s: %w", path, err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("pricing parse %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)
	t := FromEntries(ff.Pricing)
	t.checksum = hex.EncodeToString(sum[:])
	logger.Info("pricing table loaded",
		"path", path, "entries", len(ff.Pricing), "sha256", t.checksum)
	return t, nil
}

// FromEntries builds a table directly; tests and embedded defaults use this.
func FromEntries(entries []Entry) *Table {
	t := &Table{
		byModel:   make(map[string]Entry),
		byDefault: make(map[string]Entry),
	}
	for _, e := range entries {
		if e.Model == "*" || e.Model == "" {
			t.byDefault[e.Provider] = e
			continue
		}
		t.byModel[e.Provider+":"+e.Model] = e
	}
	return t
}

// Checksum returns the sha256 of the loaded file, or "" for in-memory tables.
func (t *Table) Checksum() string { return t.checksum }

// Find resolves pricing for provider:model, falling back to the provider
// default. ErrNoPricing means the stream bills prompt_only.
func (t *Table) Find(provider, model string) (Entry, error) {
	if e, ok := t.byModel[provider+":"+model]; ok {
		return e, nil
	}
	if e, ok := t.byDefault[provider]; ok {
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s:%s", ErrNoPricing, provider, model)
}
