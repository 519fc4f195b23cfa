package policy

import (
	"context"
	"errors"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow admits the deployment.
	ActionAllow Action = "allow"
	// ActionBlock refuses the deployment.
	ActionBlock Action = "block"
)

// Decision captures the result from a filter evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allowed reports whether the decision admits the deployment.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Input describes one deployment candidate.
type Input struct {
	TenantID string
	APIID    string
	Version  int
	Endpoint string
	Method   string
	// CodeHash identifies the submitted source; decisions are cached only when it is set.
	CodeHash string
	CodeSize int
	Warnings []string
	// Metadata is the compiled handler metadata (payment configuration, endpoints).
	Metadata     map[string]any
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, input Input) (Decision, error)

// Evaluate calls f.
func (f FilterFunc) Evaluate(ctx context.Context, input Input) (Decision, error) {
	return f(ctx, input)
}

// AllowAll admits every deployment.
var AllowAll Filter = FilterFunc(func(context.Context, Input) (Decision, error) {
	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
})

// Chain composes multiple filters, short-circuiting on terminal decisions.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a terminal decision is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		switch decision.Action {
		case ActionAllow:
			// continue evaluating subsequent filters
		case ActionBlock:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
