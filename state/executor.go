package state

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	tmtime "github.com/tendermint/tendermint/types/time"

	"treegraph_bft/types"
)

type BlockExecutor interface {
	// CreateProposal 在state之后生成一个新的区块，携带上一个区块finalize得到的投票
	CreateProposal(state State, proposer types.Address, lastVotes *types.VoteMap, txs types.Txs) *types.Proposal

	// Apply一个指定的区块，如果提交成功后state发生变化，返回新的state
	// votes是上一个区块finalize得到的投票集合
	ApplyBlock(state State, block *types.Block, votes *types.VoteMap) (State, error)

	SetLogger(logger log.Logger)
}

func NewBlockExecutor(store Store) BlockExecutor {
	blockexec := &blockExecutor{
		store:  store,
		logger: log.NewNopLogger(),
	}

	return blockexec
}

type blockExecutor struct {
	store Store

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// CreateProposal implements BlockExecutor
func (exec *blockExecutor) CreateProposal(
	state State,
	proposer types.Address,
	lastVotes *types.VoteMap,
	txs types.Txs,
) *types.Proposal {
	block := types.MakeBlock(state.ChainID, state.NextHeight(), state.LastBlockID, txs)

	// 本地时钟落后时沿用上一个区块的时间，保证时间戳单调
	ts := uint64(tmtime.Now().UnixNano() / 1000)
	if ts < state.LastBlockTimestampUsec {
		ts = state.LastBlockTimestampUsec
	}
	block.TimestampUsec = ts
	block.ProposerAddress = proposer
	block.LastVotes = lastVotes.Entries()
	block.ValidatorsHash = state.Validators.Hash()

	return &types.Proposal{Block: block}
}

// ApplyBlock implements BlockExecutor
// 流程：校验区块 -> 构造metadata -> 编码 -> 交给VM执行（metadata交易最先执行）-> 更新state
// 任何一步失败都返回原来的state，区块不会被提交
func (exec *blockExecutor) ApplyBlock(state State, block *types.Block, votes *types.VoteMap) (State, error) {
	// 首先验证区块是否合法，不合法直接返回原状态
	if err := exec.validateBlock(state, block, votes); err != nil {
		return state, ErrInvalidBlock(err)
	}
	if votes == nil {
		votes, _ = types.VoteMapFromEntries(block.LastVotes)
	}

	builder, err := state.MetadataBuilder(exec.store)
	if err != nil {
		return state, err
	}
	tx, err := InjectMetadata(builder, block, votes)
	if err != nil {
		if errors.Is(err, ErrInvalidProposer) ||
			errors.Is(err, ErrNonMonotonicTimestamp) ||
			errors.Is(err, ErrInvalidVoteSet) {
			return state, ErrInvalidBlock(err)
		}
		return state, err
	}

	result, err := exec.store.ExecuteBlock(block.Height, tx, block.Txs)
	if err != nil {
		if !errors.Is(err, ErrMetadataTxFailed) {
			err = fmt.Errorf("%w: %v", ErrMetadataTxFailed, err)
		}
		exec.logger.Error("execute block failed", "height", block.Height, "err", err)
		return state, err
	}
	defer result.Discard()

	blockID := block.Hash()
	newState := state.Copy()
	newState.LastHeight = block.Height
	newState.LastBlockID = blockID
	newState.LastBlockTimestampUsec = block.TimestampUsec
	newState.AppHash = result.AppHash()

	// 没有重新配置时，为新区块投票的仍然是当前的验证者集合
	if err := result.Commit(blockID, state.Validators, newState); err != nil {
		exec.logger.Error("commit block failed", "height", block.Height, "err", err)
		return state, err
	}

	exec.logger.Info("committed block",
		"height", block.Height,
		"block", blockID,
		"txs", len(block.Txs),
		"votes", votes.Len(),
		"proposer", block.ProposerAddress)
	return newState, nil
}

// 根据当前的state验证一个区块是否合法
func (exec *blockExecutor) validateBlock(state State, block *types.Block, votes *types.VoteMap) error {
	// 先检验区块基本的信息是否正确
	if err := block.ValidateBasic(); err != nil {
		return err
	}
	if block.ChainID != state.ChainID {
		return fmt.Errorf("wrong chain id: expected %s, got %s", state.ChainID, block.ChainID)
	}
	if block.Height != state.NextHeight() {
		return fmt.Errorf("wrong height: expected %d, got %d", state.NextHeight(), block.Height)
	}
	if block.LastBlockID != state.LastBlockID {
		return fmt.Errorf("wrong last block id: expected %v, got %v", state.LastBlockID, block.LastBlockID)
	}
	if !bytes.Equal(block.ValidatorsHash, state.Validators.Hash()) {
		return fmt.Errorf("wrong validators hash: expected %X, got %X", state.Validators.Hash(), block.ValidatorsHash)
	}

	lastVotes, err := types.VoteMapFromEntries(block.LastVotes)
	if err != nil {
		return err
	}
	if votes != nil && !votes.Equal(lastVotes) {
		return errors.New("last votes in block differ from the finalized vote set")
	}
	// 创世块没有投票
	if block.Height == 1 && lastVotes.Len() != 0 {
		return errors.New("first block must not carry last votes")
	}
	return nil
}
