package plugin

import (
	goplugin "plugin"

	xerrors "AgentFlow/internal/errors"
)

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin.
type GoPluginLoader struct{}

// Load opens the shared object and looks up a `Plugin` symbol.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open plugin", xerrors.WithMetadata("path", path))
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "lookup Plugin symbol", xerrors.WithMetadata("path", path))
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "plugin symbol must implement plugin.Plugin",
			xerrors.WithMetadata("path", path))
	}
}
