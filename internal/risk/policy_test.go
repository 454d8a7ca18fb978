package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidDocument(t *testing.T) {
	raw := []byte(`
version: risk-policy.v1
mode: enforce
limits:
  max_position_pct: 25
  max_notional: 500000
  max_drawdown_pct: 15
  max_daily_loss: 10000
actions_on_breach:
  - stop_deployments
  - block_orders
  - notify
`)
	policy, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, policy.Version)
	assert.Equal(t, ModeEnforce, policy.Mode)
	assert.Equal(t, 25.0, policy.Limits.MaxPositionPct)
	assert.Equal(t, 15.0, policy.Limits.MaxDrawdownPct)
	assert.Equal(t, []string{"stop_deployments", "block_orders", "notify"}, policy.ActionsOnBreach)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse([]byte("version: risk-policy.v2\nmode: enforce\n"))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "version", verr.Field)
}

func TestValidateDefaultsModeToEnforce(t *testing.T) {
	policy, err := Validate(Document{Version: SchemaVersion})
	require.NoError(t, err)
	assert.Equal(t, ModeEnforce, policy.Mode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		doc  Document
	}{
		{"mode", Document{Version: SchemaVersion, Mode: "dry_run"}},
		{"position pct over 100", Document{Version: SchemaVersion, Limits: Limits{MaxPositionPct: 150}}},
		{"negative notional", Document{Version: SchemaVersion, Limits: Limits{MaxNotional: -1}}},
		{"drawdown pct over 100", Document{Version: SchemaVersion, Limits: Limits{MaxDrawdownPct: 101}}},
		{"negative daily loss", Document{Version: SchemaVersion, Limits: Limits{MaxDailyLoss: -5}}},
		{"unknown action", Document{Version: SchemaVersion, ActionsOnBreach: []string{"page_everyone"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.doc)
			assert.Error(t, err)
		})
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	doc := Document{Version: SchemaVersion, Mode: "monitor", Limits: Limits{MaxNotional: 1000}}
	first, err := Validate(doc)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Validate(doc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
