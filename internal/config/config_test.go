package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "bountyline", cfg.Platform.ID)
	assert.Equal(t, 336*time.Hour, cfg.Policy.BiddingWindow)
	assert.Equal(t, 2, cfg.Policy.MaxExtensions)
	assert.True(t, cfg.Rails.Card.Enabled)
	assert.Equal(t, int64(8453), cfg.Rails.BaseUSDC.ChainID)
	assert.Equal(t, 4*time.Second, cfg.Rails.SolanaUSDC.CallTimeout)
	assert.Contains(t, cfg.RBAC.Roles["lab"].Permissions, "proposal.submit")
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
policy:
  bidding_window: 48h
rails:
  base_usdc:
    enabled: false
  solana_usdc:
    enabled: false
webhooks:
  - id: ops
    url: http://127.0.0.1:9/hook
    events: [APPROVE_MILESTONE]
`))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Policy.BiddingWindow)
	assert.Equal(t, 0.01, cfg.Policy.MilestoneTolerance)
	assert.True(t, cfg.Rails.Card.Enabled)
	assert.False(t, cfg.Rails.BaseUSDC.Enabled)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "ops", cfg.Webhooks[0].ID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"tolerance":      "policy:\n  milestone_tolerance: 1.5\n",
		"bidding window": "policy:\n  bidding_window: 0s\n",
		"risk score":     "policy:\n  critical_risk_score: 0\n",
		"no rails":       "rails:\n  card: {enabled: false}\n  base_usdc: {enabled: false}\n  solana_usdc: {enabled: false}\n",
		"contract":       "rails:\n  base_usdc:\n    escrow_contract: nope\n",
		"program":        "rails:\n  solana_usdc:\n    program_id: \"\"\n",
		"webhook url":    "webhooks:\n  - id: a\n",
		"duplicate hook": "webhooks:\n  - {id: a, url: http://x}\n  - {id: a, url: http://y}\n",
		"log format":     "logging:\n  format: xml\n",
		"concurrency":    "watchdog:\n  concurrency: 0\n",
		"lock lease":     "policy:\n  lock_lease: 0s\n",
		"short lease":    "policy:\n  lock_lease: 15s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
	_, err := FromYAML([]byte("policy: [oops"))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "bountyline", cfg.Platform.ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bountyline.yml"), []byte("platform:\n  id: lab-net\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "lab-net", cfg.Platform.ID)
	assert.Equal(t, filepath.Join(dir, "bountyline.yml"), Path(dir))
}
