package command

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Command types, one per side-effecting provider call.
const (
	TypeCreateDeployment = "create_deployment"
	TypeStopDeployment   = "stop_deployment"
	TypePlaceOrder       = "place_order"
	TypeCancelOrder      = "cancel_order"
)

// Command is the closed set of side-effecting operations the dispatcher
// accepts. Read-only lookups never pass through here.
type Command interface {
	Type() string
	isCommand()
}

type CreateDeployment struct {
	Scope           string  `json:"scope"`
	RunID           string  `json:"run_id"`
	StrategyRef     string  `json:"strategy_ref"`
	Capital         float64 `json:"capital"`
	CurrentExposure float64 `json:"current_exposure"`
	AccountEquity   float64 `json:"account_equity"`
}

func (CreateDeployment) Type() string { return TypeCreateDeployment }
func (CreateDeployment) isCommand() {}

type StopDeployment struct {
	Scope       string `json:"scope"`
	RunID       string `json:"run_id"`
	ProviderRef string `json:"provider_ref"`
}

func (StopDeployment) Type() string { return TypeStopDeployment }
func (StopDeployment) isCommand() {}

type PlaceOrder struct {
	Scope          string  `json:"scope"`
	RunID          string  `json:"run_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty"`
	Price          float64 `json:"price"`
	DailyLossSoFar float64 `json:"daily_loss_so_far"`
	AccountEquity  float64 `json:"account_equity"`
}

func (PlaceOrder) Type() string { return TypePlaceOrder }
func (PlaceOrder) isCommand() {}

type CancelOrder struct {
	Scope       string `json:"scope"`
	RunID       string `json:"run_id"`
	ProviderRef string `json:"provider_ref"`
}

func (CancelOrder) Type() string { return TypeCancelOrder }
func (CancelOrder) isCommand() {}

// PayloadJSON is the canonical encoding: the command type plus its JSON
// body. It is stored on the idempotency record so a later attempt can
// reconstruct the command.
func PayloadJSON(cmd Command) string {
	envelope := struct {
		Type    string  `json:"type"`
		Payload Command `json:"payload"`
	}{Type: cmd.Type(), Payload: cmd}
	b, _ := json.Marshal(envelope)
	return string(b)
}

// canonical clears orchestration identifiers so the hash covers only the
// caller-supplied fields. The run id is minted per submission, and a replay
// of the same request must hash the same even though it rides a new run.
func canonical(cmd Command) Command {
	switch c := cmd.(type) {
	case CreateDeployment:
		c.RunID = ""
		return c
	case StopDeployment:
		c.RunID = ""
		return c
	case PlaceOrder:
		c.RunID = ""
		return c
	case CancelOrder:
		c.RunID = ""
		return c
	default:
		return cmd
	}
}

// PayloadHash hashes the canonical encoding. Two commands with the same
// hash are the same request; a reused idempotency key with a different
// hash is a conflict.
func PayloadHash(cmd Command) string {
	sum := sha256.Sum256([]byte(PayloadJSON(canonical(cmd))))
	return hex.EncodeToString(sum[:])
}

// Decode reverses PayloadJSON.
func Decode(raw string) (Command, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}
	var cmd Command
	switch envelope.Type {
	case TypeCreateDeployment:
		var c CreateDeployment
		if err := json.Unmarshal(envelope.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypeStopDeployment:
		var c StopDeployment
		if err := json.Unmarshal(envelope.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypePlaceOrder:
		var c PlaceOrder
		if err := json.Unmarshal(envelope.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypeCancelOrder:
		var c CancelOrder
		if err := json.Unmarshal(envelope.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type %q", envelope.Type)
	}
	return cmd, nil
}
