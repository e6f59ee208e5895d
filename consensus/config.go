package consensus

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	cstypes "treegraph_bft/consensus/types"
)

const (
	defaultProposeDelay    = 100 * time.Millisecond
	defaultMaxPendingVotes = 4096
	defaultMaxFutureBlocks = 16

	configKey = "vote_store"
)

// Config 共识模块的参数，从配置文件的 [vote_store] 段读取
//
//	[vote_store]
//	propose_delay = "100ms"
//	max_pending_votes = 4096
//	max_future_blocks = 16
//	closed_cache_size = 1024
//	verify_workers = 4
//	[vote_store.quorum]
//	numerator = 2
//	denominator = 3
type Config struct {
	cstypes.VoteStoreConfig `mapstructure:",squash"`

	// leader生成提案后等待多久再广播
	ProposeDelay time.Duration `mapstructure:"propose_delay"`

	// 区块还没有提交时，最多缓存多少张为它投的票
	MaxPendingVotes int `mapstructure:"max_pending_votes"`

	// 最多缓存多少个高于当前高度的提案
	MaxFutureBlocks int `mapstructure:"max_future_blocks"`
}

func DefaultConfig() *Config {
	return &Config{
		VoteStoreConfig: *cstypes.DefaultVoteStoreConfig(),
		ProposeDelay:    defaultProposeDelay,
		MaxPendingVotes: defaultMaxPendingVotes,
		MaxFutureBlocks: defaultMaxFutureBlocks,
	}
}

// TestConfig returns a configuration that proposes without delay.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.ProposeDelay = 0
	return cfg
}

func (cfg *Config) ValidateBasic() error {
	if err := cfg.VoteStoreConfig.ValidateBasic(); err != nil {
		return err
	}
	if cfg.ProposeDelay < 0 {
		return fmt.Errorf("propose_delay can't be negative")
	}
	if cfg.MaxPendingVotes < 0 {
		return fmt.Errorf("max_pending_votes can't be negative")
	}
	if cfg.MaxFutureBlocks < 0 {
		return fmt.Errorf("max_future_blocks can't be negative")
	}
	return nil
}

// LoadConfig reads the [vote_store] section of v on top of DefaultConfig.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if v != nil && v.IsSet(configKey) {
		if err := v.UnmarshalKey(configKey, cfg); err != nil {
			return nil, fmt.Errorf("can't read %s config: %w", configKey, err)
		}
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", configKey, err)
	}
	return cfg, nil
}
