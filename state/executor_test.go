package state_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"treegraph_bft/encoding"
	"treegraph_bft/state"
	"treegraph_bft/store"
	"treegraph_bft/types"
)

const chainID = "state_test"

type mapProvider map[types.Digest]*types.ValidatorSet

func (p mapProvider) ValidatorsAt(id types.Digest) (*types.ValidatorSet, error) {
	vals, ok := p[id]
	if !ok {
		return nil, types.ErrUnknownBlock
	}
	return vals, nil
}

func addressOf(t *testing.T, pv types.PrivValidator) types.Address {
	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	return types.GetAddress(pub)
}

func voteSet(t *testing.T, blockID types.Digest, privs ...types.PrivValidator) *types.VoteMap {
	votes := types.NewVoteMap()
	for _, pv := range privs {
		vote := types.NewVote(blockID, addressOf(t, pv), nil)
		require.NoError(t, pv.SignVote(chainID, vote))
		votes.Set(vote.ValidatorAddress, vote.Signature)
	}
	return votes
}

func TestMetadataBuilder(t *testing.T) {
	vals, privs := types.RandValidatorSet(3, 1)
	parent := types.SumDigest([]byte("parent"))
	builder := state.NewMetadataBuilder(vals, 500)
	votes := voteSet(t, parent, privs...)
	id := types.SumDigest([]byte("child"))

	md, err := builder.Build(id, 1000, votes, addressOf(t, privs[0]))
	require.NoError(t, err)
	assert.Equal(t, id, md.ID())
	assert.Equal(t, uint64(1000), md.TimestampUsec())
	assert.Equal(t, 3, md.VoteCount())

	// 时间戳相等是允许的
	_, err = builder.Build(id, 500, votes, addressOf(t, privs[0]))
	assert.NoError(t, err)

	_, err = builder.Build(id, 499, votes, addressOf(t, privs[0]))
	assert.True(t, errors.Is(err, state.ErrNonMonotonicTimestamp))

	_, err = builder.Build(id, 1000, votes, addressOf(t, types.NewMockPV()))
	assert.True(t, errors.Is(err, state.ErrInvalidProposer))

	withOutsider := votes.Copy()
	withOutsider.Set(addressOf(t, types.NewMockPV()), votes.Entries()[0].Signature)
	_, err = builder.Build(id, 1000, withOutsider, addressOf(t, privs[0]))
	assert.True(t, errors.Is(err, state.ErrInvalidVoteSet))

	shortSig := votes.Copy()
	first := votes.Entries()[0]
	shortSig.Set(first.Address, first.Signature[:10])
	_, err = builder.Build(id, 1000, shortSig, addressOf(t, privs[0]))
	assert.True(t, errors.Is(err, state.ErrInvalidVoteSet))
}

// 验证者集合在两个区块之间发生变化时，使用上一个区块的集合
func TestMetadataBuilderAcrossReconfiguration(t *testing.T) {
	oldVals, oldPrivs := types.RandValidatorSet(3, 1)
	newVals, newPrivs := types.RandValidatorSet(3, 1)
	parent := types.SumDigest([]byte("parent"))
	provider := mapProvider{parent: oldVals}

	st := state.State{
		ChainID:                chainID,
		LastHeight:             5,
		LastBlockID:            parent,
		LastBlockTimestampUsec: 10,
		Validators:             newVals,
	}
	builder, err := st.MetadataBuilder(provider)
	require.NoError(t, err)

	votes := voteSet(t, parent, oldPrivs...)
	_, err = builder.Build(types.SumDigest([]byte("child")), 11, votes, addressOf(t, oldPrivs[1]))
	assert.NoError(t, err)

	_, err = builder.Build(types.SumDigest([]byte("child")), 11, votes, addressOf(t, newPrivs[1]))
	assert.True(t, errors.Is(err, state.ErrInvalidProposer))

	st.LastBlockID = types.SumDigest([]byte("unknown"))
	_, err = st.MetadataBuilder(provider)
	assert.True(t, errors.Is(err, types.ErrUnknownBlock))
}

type testChain struct {
	kv     *store.KVStore
	exec   state.BlockExecutor
	state  state.State
	privs  []types.PrivValidator
	logger log.Logger
}

func newTestChain(t *testing.T, wrap func(state.Store) state.Store) *testChain {
	vals, privs := types.RandValidatorSet(4, 10)
	genDoc := &types.GenesisDoc{ChainID: chainID, GenesisTime: time.Unix(1, 0)}
	for _, v := range vals.Validators {
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{PubKey: v.PubKey, Power: v.VotingPower})
	}

	logger := log.NewFilter(log.TestingLogger(), log.AllowDebug())
	kv := store.NewKVStoreWithDB(memdb.NewDB(), logger)
	genState, err := kv.InitGenesis(genDoc)
	require.NoError(t, err)

	var st state.Store = kv
	if wrap != nil {
		st = wrap(kv)
	}
	exec := state.NewBlockExecutor(st)
	exec.SetLogger(logger)
	return &testChain{kv: kv, exec: exec, state: genState, privs: privs, logger: logger}
}

func (c *testChain) proposer(t *testing.T) types.Address {
	return c.state.Validators.GetProposer(types.LTime(c.state.NextHeight())).Address
}

func TestApplyBlock(t *testing.T) {
	c := newTestChain(t, nil)

	// 第一个区块：父区块是创世块，没有投票
	p1 := c.exec.CreateProposal(c.state, c.proposer(t), nil, types.Txs{types.Tx("k=v1")})
	s1, err := c.exec.ApplyBlock(c.state, p1.Block, types.NewVoteMap())
	require.NoError(t, err)
	assert.Equal(t, int64(1), s1.LastHeight)
	assert.Equal(t, p1.Block.Hash(), s1.LastBlockID)
	assert.NotEmpty(t, s1.AppHash)

	res, err := c.kv.MetadataResource()
	require.NoError(t, err)
	assert.Equal(t, p1.Block.Hash(), res.BlockID)
	assert.Equal(t, p1.Block.ProposerAddress, res.Proposer)

	// 为新区块投票的验证者集合已经记录
	_, err = c.kv.ValidatorsAt(s1.LastBlockID)
	require.NoError(t, err)

	// 第二个区块携带第一个区块的投票
	votes := voteSet(t, s1.LastBlockID, c.privs[:3]...)
	c.state = s1
	p2 := c.exec.CreateProposal(s1, c.proposer(t), votes, types.Txs{types.Tx("k=v2")})
	s2, err := c.exec.ApplyBlock(s1, p2.Block, votes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s2.LastHeight)

	v, err := c.kv.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	record, err := c.kv.MetadataRecord(2)
	require.NoError(t, err)
	decoded, err := encoding.DecodeVoteMap(record.VoteMap)
	require.NoError(t, err)
	assert.True(t, votes.Equal(decoded))

	loaded, err := c.kv.LoadState()
	require.NoError(t, err)
	assert.Equal(t, s2.LastBlockID, loaded.LastBlockID)
}

func TestApplyBlockRejectsInvalidBlocks(t *testing.T) {
	c := newTestChain(t, nil)

	testCases := []struct {
		name   string
		mutate func(b *types.Block)
	}{
		{"wrong height", func(b *types.Block) { b.Height = 2 }},
		{"wrong parent", func(b *types.Block) { b.LastBlockID = types.SumDigest([]byte("x")) }},
		{"non validator proposer", func(b *types.Block) { b.ProposerAddress = addressOf(t, types.NewMockPV()) }},
		{"timestamp before genesis", func(b *types.Block) { b.TimestampUsec = 0 }},
		{"first block with votes", func(b *types.Block) {
			b.LastVotes = voteSet(t, c.state.LastBlockID, c.privs...).Entries()
		}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p := c.exec.CreateProposal(c.state, c.proposer(t), nil, nil)
			tc.mutate(p.Block)
			s, err := c.exec.ApplyBlock(c.state, p.Block, nil)
			require.Error(t, err)
			assert.True(t, state.IsInvalidBlockError(err), "got %v", err)
			assert.Equal(t, c.state.LastBlockID, s.LastBlockID)
		})
	}
}

func TestApplyBlockVotesMustMatchBlock(t *testing.T) {
	c := newTestChain(t, nil)
	p1 := c.exec.CreateProposal(c.state, c.proposer(t), nil, nil)
	s1, err := c.exec.ApplyBlock(c.state, p1.Block, nil)
	require.NoError(t, err)
	c.state = s1

	carried := voteSet(t, s1.LastBlockID, c.privs[:3]...)
	finalized := voteSet(t, s1.LastBlockID, c.privs[1:]...)
	p2 := c.exec.CreateProposal(s1, c.proposer(t), carried, nil)
	_, err = c.exec.ApplyBlock(s1, p2.Block, finalized)
	assert.True(t, state.IsInvalidBlockError(err))
}

func TestApplyBlockMetadataFailureAborts(t *testing.T) {
	c := newTestChain(t, func(inner state.Store) state.Store {
		return store.NewFailingStore(inner, 1)
	})

	p := c.exec.CreateProposal(c.state, c.proposer(t), nil, types.Txs{types.Tx("k=v")})
	s, err := c.exec.ApplyBlock(c.state, p.Block, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrMetadataTxFailed))
	assert.Equal(t, int64(0), s.LastHeight)

	// 没有任何修改落盘
	loaded, err := c.kv.LoadState()
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.LastHeight)
	v, err := c.kv.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
	_, err = c.kv.ValidatorsAt(p.Block.Hash())
	assert.True(t, errors.Is(err, types.ErrUnknownBlock))
}

// 提交失败时执行结果、验证者集合和state都不会落盘，重试同一个区块可以成功
func TestApplyBlockCommitFailureIsAtomic(t *testing.T) {
	var fs *store.FailingStore
	c := newTestChain(t, func(inner state.Store) state.Store {
		fs = store.NewFailingStore(inner, -1)
		fs.FailCommits = 1
		return fs
	})

	p := c.exec.CreateProposal(c.state, c.proposer(t), nil, types.Txs{types.Tx("k=v")})
	s, err := c.exec.ApplyBlock(c.state, p.Block, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrCommitFailed))
	assert.Equal(t, int64(0), s.LastHeight)

	loaded, err := c.kv.LoadState()
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.LastHeight)
	v, err := c.kv.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
	res, err := c.kv.MetadataResource()
	require.NoError(t, err)
	assert.Nil(t, res)
	_, err = c.kv.ValidatorsAt(p.Block.Hash())
	assert.True(t, errors.Is(err, types.ErrUnknownBlock))

	s, err = c.exec.ApplyBlock(c.state, p.Block, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.LastHeight)
	assert.Equal(t, 0, fs.FailCommits)

	loaded, err = c.kv.LoadState()
	require.NoError(t, err)
	assert.Equal(t, p.Block.Hash(), loaded.LastBlockID)
	v, err = c.kv.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, err = c.kv.ValidatorsAt(p.Block.Hash())
	assert.NoError(t, err)
}
