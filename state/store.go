package state

import "treegraph_bft/types"

// VM 执行层接口
// ExecuteBlock先执行metadata交易，再依次执行用户交易
// metadata交易失败时返回错误，并且不能留下任何修改
type VM interface {
	ExecuteBlock(height int64, tx *MetadataTx, txs types.Txs) (ExecutionResult, error)
}

// ExecutionResult 一个区块的执行结果，Commit之前对数据库没有任何修改
type ExecutionResult interface {
	AppHash() []byte

	// Commit 原子地写入执行结果、为blockID投票的验证者集合和新的state
	// 失败时什么都不会写入，同一个区块可以重新执行
	Commit(blockID types.Digest, vals *types.ValidatorSet, s State) error

	// Discard 丢弃没有提交的修改，Commit之后调用没有影响
	Discard()
}

// 数据持久化接口
type Store interface {
	VM
	types.ValidatorSetProvider

	LoadState() (State, error)
}
