package risk

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only policy document version this build understands.
// Any other version fails validation and the scope falls closed.
const SchemaVersion = "risk-policy.v1"

const (
	ModeEnforce = "enforce"
	ModeMonitor = "monitor"
)

type Limits struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MaxNotional    float64 `yaml:"max_notional"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	MaxDailyLoss   float64 `yaml:"max_daily_loss"`
}

type Document struct {
	Version         string   `yaml:"version"`
	Mode            string   `yaml:"mode"`
	Limits          Limits   `yaml:"limits"`
	ActionsOnBreach []string `yaml:"actions_on_breach"`
}

// Policy is a validated document. Only Validate constructs one.
type Policy struct {
	Version         string
	Mode            string
	Limits          Limits
	ActionsOnBreach []string
}

type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy validation failed: %s: %s", e.Field, e.Detail)
}

// Parse unmarshals and validates a raw YAML policy document.
func Parse(raw []byte) (Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Policy{}, &ValidationError{Field: "document", Detail: err.Error()}
	}
	return Validate(doc)
}

// Validate is pure and deterministic. The same document always yields the
// same result.
func Validate(doc Document) (Policy, error) {
	if strings.TrimSpace(doc.Version) != SchemaVersion {
		return Policy{}, &ValidationError{Field: "version", Detail: fmt.Sprintf("unsupported version %q, want %q", doc.Version, SchemaVersion)}
	}
	mode := strings.ToLower(strings.TrimSpace(doc.Mode))
	if mode == "" {
		mode = ModeEnforce
	}
	if mode != ModeEnforce && mode != ModeMonitor {
		return Policy{}, &ValidationError{Field: "mode", Detail: fmt.Sprintf("unknown mode %q", doc.Mode)}
	}
	if doc.Limits.MaxPositionPct < 0 || doc.Limits.MaxPositionPct > 100 {
		return Policy{}, &ValidationError{Field: "limits.max_position_pct", Detail: "must be within [0, 100]"}
	}
	if doc.Limits.MaxNotional < 0 {
		return Policy{}, &ValidationError{Field: "limits.max_notional", Detail: "must not be negative"}
	}
	if doc.Limits.MaxDrawdownPct < 0 || doc.Limits.MaxDrawdownPct > 100 {
		return Policy{}, &ValidationError{Field: "limits.max_drawdown_pct", Detail: "must be within [0, 100]"}
	}
	if doc.Limits.MaxDailyLoss < 0 {
		return Policy{}, &ValidationError{Field: "limits.max_daily_loss", Detail: "must not be negative"}
	}
	actions := make([]string, 0, len(doc.ActionsOnBreach))
	for _, a := range doc.ActionsOnBreach {
		a = strings.ToLower(strings.TrimSpace(a))
		switch a {
		case "":
			continue
		case "stop_deployments", "block_orders", "notify":
			actions = append(actions, a)
		default:
			return Policy{}, &ValidationError{Field: "actions_on_breach", Detail: fmt.Sprintf("unknown action %q", a)}
		}
	}
	return Policy{
		Version:         SchemaVersion,
		Mode:            mode,
		Limits:          doc.Limits,
		ActionsOnBreach: actions,
	}, nil
}
