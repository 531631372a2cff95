package tool

import (
	"context"

	xerrors "AgentFlow/internal/errors"
)

// RiskPolicy decides whether a tool may run for a caller.
type RiskPolicy interface {
	Allow(ctx context.Context, def Definition, rc RunContext) error
}

// AllowAll performs no gating.
type AllowAll struct{}

// Allow always permits.
func (AllowAll) Allow(context.Context, Definition, RunContext) error { return nil }

// MaxRiskPolicy rejects tools above a risk ceiling unless the user is listed
// in Elevated.
type MaxRiskPolicy struct {
	Max      RiskLevel
	Elevated map[string]bool
}

// Allow enforces the ceiling.
func (p MaxRiskPolicy) Allow(_ context.Context, def Definition, rc RunContext) error {
	if p.Max == 0 || def.RiskLevel <= p.Max || p.Elevated[rc.UserID] {
		return nil
	}
	return xerrors.New(xerrors.CodeRiskDenied, "tool risk level exceeds policy",
		xerrors.WithMetadata("tool", def.Name),
		xerrors.WithMetadata("risk_level", def.RiskLevel.String()))
}
