package web3

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenGoal-Chain/internal/errors"
)

// ChainTypeEVM is the only chain family the engine can talk to today.
const ChainTypeEVM = "evm"

// ChainSpec is one named endpoint from the chains file.
type ChainSpec struct {
	Name        string `yaml:"-"`
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	BatchRPCURL string `yaml:"batch_rpc_url"`
	Description string `yaml:"description"`
}

// ChainSet is the parsed chains file, with chains sorted by name.
type ChainSet struct {
	Default string
	Chains  []ChainSpec
}

type chainFile struct {
	Default string               `yaml:"default"`
	Chains  map[string]ChainSpec `yaml:"chains"`
}

// LoadChains reads a chains file. An empty path yields an empty set so a
// single rpc_url in the main config can still be used.
func LoadChains(path string) (ChainSet, error) {
	if strings.TrimSpace(path) == "" {
		return ChainSet{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainSet{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败")
	}
	return ParseChains(raw)
}

// ParseChains decodes and validates a chains file. ${VAR} references in
// endpoint URLs are expanded from the environment so API keys stay out of
// the file.
func ParseChains(raw []byte) (ChainSet, error) {
	var file chainFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return ChainSet{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析链配置失败")
	}

	set := ChainSet{Default: strings.TrimSpace(file.Default)}
	for name, spec := range file.Chains {
		spec.Name = name
		spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
		if spec.Type == "" {
			spec.Type = ChainTypeEVM
		}
		if spec.Type != ChainTypeEVM {
			return ChainSet{}, xerrors.Newf(xerrors.CodeInitializationFailure, "链 %s 使用了不支持的类型 %s", name, spec.Type)
		}
		spec.RPCURL = strings.TrimSpace(os.ExpandEnv(spec.RPCURL))
		spec.BatchRPCURL = strings.TrimSpace(os.ExpandEnv(spec.BatchRPCURL))
		if spec.RPCURL == "" {
			return ChainSet{}, xerrors.Newf(xerrors.CodeInitializationFailure, "链 %s 缺少 rpc_url", name)
		}
		set.Chains = append(set.Chains, spec)
	}
	sort.Slice(set.Chains, func(i, j int) bool { return set.Chains[i].Name < set.Chains[j].Name })

	if set.Default != "" {
		if _, ok := set.Lookup(set.Default); !ok {
			return ChainSet{}, xerrors.Newf(xerrors.CodeInitializationFailure, "默认链 %s 未定义", set.Default)
		}
	}
	return set, nil
}

// Lookup finds a chain by name.
func (s ChainSet) Lookup(name string) (ChainSpec, bool) {
	i := sort.Search(len(s.Chains), func(i int) bool { return s.Chains[i].Name >= name })
	if i < len(s.Chains) && s.Chains[i].Name == name {
		return s.Chains[i], true
	}
	return ChainSpec{}, false
}

// Names returns the chain names in sorted order.
func (s ChainSet) Names() []string {
	names := make([]string, len(s.Chains))
	for i, c := range s.Chains {
		names[i] = c.Name
	}
	return names
}
