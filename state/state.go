package state

import (
	"fmt"

	"treegraph_bft/types"
)

// MakeGenesisState 根据genesis文件生成初始状态
func MakeGenesisState(genDoc *types.GenesisDoc) (State, error) {
	if err := genDoc.ValidateAndComplete(); err != nil {
		return State{}, fmt.Errorf("invalid genesis doc: %w", err)
	}
	return State{
		ChainID:                genDoc.ChainID,
		LastHeight:             0,
		LastBlockID:            genDoc.BlockID(),
		LastBlockTimestampUsec: uint64(genDoc.GenesisTime.UnixNano() / 1000),
		Validators:             genDoc.ValidatorSet(),
		AppHash:                genDoc.AppHash,
	}, nil
}

// 有限确定状态机的一个状态节点
// 每提交一个区块，状态前进一步
type State struct {
	// 初始设定值 const value
	ChainID string `json:"chain_id"`

	// 最后提交的区块的信息
	LastHeight             int64        `json:"last_height"`
	LastBlockID            types.Digest `json:"last_block_id"`
	LastBlockTimestampUsec uint64       `json:"last_block_timestamp_usec"`

	// 为LastBlockID投票的验证者集合，同时也是下一个区块的提案者集合
	Validators *types.ValidatorSet `json:"validators"`

	// 最后提交区块执行后的结果
	AppHash []byte `json:"app_hash"`
}

// 返回当前state的拷贝副本，deepcopy
func (state State) Copy() State {
	newState := state
	if state.Validators != nil {
		newState.Validators = state.Validators.Copy()
	}
	newState.AppHash = make([]byte, len(state.AppHash))
	copy(newState.AppHash, state.AppHash)
	return newState
}

// IsEmpty returns true if the State is equal to the empty State.
func (state State) IsEmpty() bool {
	return state.Validators == nil
}

// NextHeight 下一个区块的高度
func (state State) NextHeight() int64 {
	return state.LastHeight + 1
}

// MetadataBuilder returns the builder for the next block. Votes and proposer
// are checked against the validator set recorded for the last block, which
// may differ from state.Validators across a reconfiguration.
func (state State) MetadataBuilder(provider types.ValidatorSetProvider) (*MetadataBuilder, error) {
	vals, err := provider.ValidatorsAt(state.LastBlockID)
	if err != nil {
		return nil, fmt.Errorf("can't load validators of block %v: %w", state.LastBlockID, err)
	}
	return NewMetadataBuilder(vals, state.LastBlockTimestampUsec), nil
}

func (state State) String() string {
	return fmt.Sprintf("State{%s #%d %v ts:%d vals:%d}",
		state.ChainID, state.LastHeight, state.LastBlockID, state.LastBlockTimestampUsec, state.Validators.Size())
}
