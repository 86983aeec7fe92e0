package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() *Table {
	return FromEntries([]Entry{
		{Provider: "openai", Model: "gpt-5-codex", PromptMicroPerM: 1_250_000, CompletionMicroPerM: 10_000_000},
		{Provider: "openai", Model: "*", PromptMicroPerM: 500_000, CompletionMicroPerM: 1_500_000},
		{Provider: "anthropic", Model: "claude-sonnet", PromptMicroPerM: 3_000_000, CompletionMicroPerM: 15_000_000, BytesPerToken: 5},
	})
}

func TestFindExactThenProviderDefault(t *testing.T) {
	tbl := testTable()

	e, err := tbl.Find("openai", "gpt-5-codex")
	require.NoError(t, err)
	assert.Equal(t, int64(1_250_000), e.PromptMicroPerM)

	e, err = tbl.Find("openai", "gpt-unlisted")
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), e.PromptMicroPerM)

	_, err = tbl.Find("mistral", "large")
	assert.ErrorIs(t, err, ErrNoPricing)
}

func TestCostFloorsEachTerm(t *testing.T) {
	e := Entry{PromptMicroPerM: 1_000_001, CompletionMicroPerM: 999_999}
	// floor(3·1000001/1e6)=3, floor(7·999999/1e6)=6
	assert.Equal(t, int64(9), e.Cost(3, 7, 0).Int64())
}

func TestEffectiveBytesPerToken(t *testing.T) {
	assert.Equal(t, 4, Entry{}.EffectiveBytesPerToken())
	assert.Equal(t, 5, Entry{BytesPerToken: 5}.EffectiveBytesPerToken())
}

func TestLoadComputesChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	raw := []byte(`pricing:
  - provider: openai
    model: gpt-5-codex
    prompt_micro_per_m: 1250000
    completion_micro_per_m: 10000000
`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	tbl, err := Load(path, nil)
	require.NoError(t, err)
	assert.Len(t, tbl.Checksum(), 64)

	e, err := tbl.Find("openai", "gpt-5-codex")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), e.CompletionMicroPerM)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
