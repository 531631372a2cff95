package plugin

import (
	"fmt"
	"slices"

	xerrors "AgentFlow/internal/errors"
)

// IsolationStrategy enforces security restrictions for plugins at runtime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// CapabilityIsolation performs only capability validation.
type CapabilityIsolation struct{}

// Validate ensures the plugin requested capabilities are allowed.
func (CapabilityIsolation) Validate(info Info, policy IsolationPolicy) error {
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(info.Capabilities, c) {
			return xerrors.New(xerrors.CodeRiskDenied, fmt.Sprintf("capability %s is explicitly denied", c),
				xerrors.WithMetadata("plugin", info.ID))
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return xerrors.New(xerrors.CodeRiskDenied, fmt.Sprintf("capability %s not permitted", c),
				xerrors.WithMetadata("plugin", info.ID))
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (CapabilityIsolation) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (CapabilityIsolation) Cleanup(Info) error { return nil }

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy rejects plugins that request capabilities without any policy in place.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return xerrors.New(xerrors.CodeRiskDenied, "plugins declaring capabilities require an isolation policy",
			xerrors.WithMetadata("plugin", info.ID))
	}
	return nil
}
