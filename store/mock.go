package store

import (
	"errors"
	"fmt"

	"treegraph_bft/state"
	"treegraph_bft/types"
)

// ErrCommitFailed 模拟写盘失败
var ErrCommitFailed = errors.New("disk full")

// NewFailingStore 包装一个Store，在failHeight执行区块时让metadata交易失败
// 只用于测试
func NewFailingStore(inner state.Store, failHeight int64) *FailingStore {
	return &FailingStore{Store: inner, FailHeight: failHeight}
}

type FailingStore struct {
	state.Store

	FailHeight int64

	// 接下来多少次Commit返回ErrCommitFailed
	FailCommits int
}

func (fs *FailingStore) ExecuteBlock(height int64, tx *state.MetadataTx, txs types.Txs) (state.ExecutionResult, error) {
	if height == fs.FailHeight {
		return nil, fmt.Errorf("%w: injected failure at height %d", state.ErrMetadataTxFailed, height)
	}
	result, err := fs.Store.ExecuteBlock(height, tx, txs)
	if err != nil {
		return nil, err
	}
	return &failingResult{ExecutionResult: result, fs: fs}, nil
}

type failingResult struct {
	state.ExecutionResult
	fs *FailingStore
}

func (r *failingResult) Commit(blockID types.Digest, vals *types.ValidatorSet, s state.State) error {
	if r.fs.FailCommits > 0 {
		r.fs.FailCommits--
		return ErrCommitFailed
	}
	return r.ExecutionResult.Commit(blockID, vals, s)
}
