package web3

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentFlow/internal/errors"
)

// Config selects the chain definitions. RPCURL is used as a single "default"
// chain when ChainFile defines none.
type Config struct {
	ChainFile    string `yaml:"chain_file" json:"chain_file"`
	RPCURL       string `yaml:"rpc_url" json:"rpc_url"`
	DefaultChain string `yaml:"default_chain" json:"default_chain"`
}

// Enabled reports whether any chain source is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ChainFile) != "" || strings.TrimSpace(c.RPCURL) != ""
}

// ChainDefinitions models the structure of the chain file.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Symbol      string `yaml:"symbol"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败")
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
