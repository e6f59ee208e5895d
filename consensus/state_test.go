package consensus

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	cstypes "treegraph_bft/consensus/types"
	"treegraph_bft/encoding"
	"treegraph_bft/types"
)

// 四个验证者在进程内运行，链至少推进到第三个区块，每个节点写入的metadata完全一致
func TestConsensusPipeline(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	nodes, _ := newTestNodes(t, 4)
	connectInProcess(nodes)
	for _, n := range nodes {
		require.NoError(t, n.cs.Start())
	}
	defer stopAll(t, nodes)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.cs.GetState().LastHeight < 3 {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
	stopAll(t, nodes)

	for h := int64(1); h <= 3; h++ {
		want, err := nodes[0].kv.MetadataRecord(h)
		require.NoError(t, err)
		for i, n := range nodes[1:] {
			got, err := n.kv.MetadataRecord(h)
			require.NoError(t, err)
			assert.Equal(t, want, got, "node %d disagrees at height %d", i+1, h)
		}

		votes, err := encoding.DecodeVoteMap(want.VoteMap)
		require.NoError(t, err)
		if h == 1 {
			assert.Equal(t, 0, votes.Len())
		} else {
			// 4 * 10 的总权重，至少3票
			assert.GreaterOrEqual(t, votes.Len(), 3)
		}
	}

	// 元数据里的投票都是给父区块的合法签名
	rec1, err := nodes[0].kv.MetadataRecord(1)
	require.NoError(t, err)
	rec2, err := nodes[0].kv.MetadataRecord(2)
	require.NoError(t, err)
	parent, err := types.DigestFromBytes(rec1.ID)
	require.NoError(t, err)
	vals, err := nodes[0].kv.ValidatorsAt(parent)
	require.NoError(t, err)
	votes, err := encoding.DecodeVoteMap(rec2.VoteMap)
	require.NoError(t, err)
	_, err = cstypes.VerifyVoteSet(testChainID, parent, vals, votes.Entries(), nil)
	assert.NoError(t, err)
	assert.True(t, rec1.TimestampUsec <= rec2.TimestampUsec)
}

func TestSetProposalValidation(t *testing.T) {
	nodes, privs := newTestNodes(t, 4)
	cs := nodes[0].cs

	t.Run("wrong proposer", func(t *testing.T) {
		st := cs.GetState()
		leader := st.Validators.GetProposer(types.LTime(st.NextHeight())).Address
		var other types.PrivValidator
		for _, pv := range privs {
			pub, _ := pv.GetPubKey()
			if types.GetAddress(pub) != leader {
				other = pv
				break
			}
		}
		pub, _ := other.GetPubKey()
		p := cs.blockExec.CreateProposal(st, types.GetAddress(pub), nil, nil)
		require.NoError(t, other.SignProposal(testChainID, p))
		assert.Error(t, cs.setProposal(p))
	})

	t.Run("bad signature", func(t *testing.T) {
		p := makeProposal(t, cs, privs, nil)
		p.Signature = bytes.Repeat([]byte{1}, len(p.Signature))
		assert.Error(t, cs.setProposal(p))
	})

	t.Run("tampered block", func(t *testing.T) {
		p := makeProposal(t, cs, privs, nil)
		p.Block.Txs = types.Txs{types.Tx("a=b")}
		p.Block.TxsHash = nil
		assert.Error(t, cs.setProposal(p))
	})

	assert.Equal(t, int64(0), cs.GetState().LastHeight)

	// 合法的提案被提交，并且本节点立即投票
	p1 := makeProposal(t, cs, privs, nil)
	require.NoError(t, cs.setProposal(p1))
	assert.Equal(t, int64(1), cs.GetState().LastHeight)
	assert.Equal(t, p1.Block.Hash(), cs.LastBlockID)

	mi := <-cs.internalMsgQueue
	voteMsg, ok := mi.Msg.(*VoteMessage)
	require.True(t, ok, "got %T", mi.Msg)
	assert.Equal(t, p1.Block.Hash(), voteMsg.Vote.BlockID)

	t.Run("stale proposal", func(t *testing.T) {
		assert.Error(t, cs.setProposal(p1))
	})

	t.Run("last votes without quorum", func(t *testing.T) {
		votes := types.NewVoteMap()
		v := signVote(t, privs[0], p1.Block.Hash())
		votes.Set(v.ValidatorAddress, v.Signature)
		p := makeProposal(t, cs, privs, votes)
		err := cs.setProposal(p)
		assert.True(t, errors.Is(err, cstypes.ErrQuorumNotReached), "got %v", err)
	})

	t.Run("last votes with forged signature", func(t *testing.T) {
		votes := types.NewVoteMap()
		for _, pv := range privs {
			v := signVote(t, pv, p1.Block.Hash())
			votes.Set(v.ValidatorAddress, v.Signature)
		}
		forged := signVote(t, privs[0], types.SumDigest([]byte("other")))
		votes.Set(forged.ValidatorAddress, forged.Signature)
		err := cs.setProposal(makeProposal(t, cs, privs, votes))
		assert.True(t, errors.Is(err, cstypes.ErrInvalidSignature), "got %v", err)
	})

	assert.Equal(t, int64(1), cs.GetState().LastHeight)
}

// 高于当前高度的提案先缓存，区块追上以后自动处理
func TestFutureProposal(t *testing.T) {
	nodes, privs := newTestNodes(t, 4)
	leader, follower := nodes[0].cs, nodes[1].cs

	p1 := makeProposal(t, leader, privs, nil)
	require.NoError(t, leader.setProposal(p1))

	votes := types.NewVoteMap()
	for _, pv := range privs {
		v := signVote(t, pv, p1.Block.Hash())
		votes.Set(v.ValidatorAddress, v.Signature)
	}
	p2 := makeProposal(t, leader, privs, votes)

	require.NoError(t, follower.setProposal(p2))
	assert.Equal(t, int64(0), follower.GetState().LastHeight)
	assert.Len(t, follower.futureProposals, 1)

	require.NoError(t, follower.setProposal(p1))
	assert.Empty(t, follower.futureProposals)

	// 缓存的提案经由内部队列重新处理
	for {
		mi := <-follower.internalMsgQueue
		if pm, ok := mi.Msg.(*ProposalMessage); ok {
			require.NoError(t, follower.setProposal(pm.Proposal))
			break
		}
	}
	assert.Equal(t, int64(2), follower.GetState().LastHeight)
	assert.Equal(t, p2.Block.Hash(), follower.GetState().LastBlockID)
}

// 区块还没有提交时收到的投票会被缓存，提交后重新记录
func TestPendingVotesReplay(t *testing.T) {
	nodes, privs := newTestNodes(t, 4)
	cs := nodes[0].cs

	p1 := makeProposal(t, cs, privs, nil)
	early := signVote(t, privs[2], p1.Block.Hash())

	added, err := cs.TryAddVote(early, "peer")
	require.NoError(t, err)
	assert.False(t, added)
	assert.False(t, cs.Votes.HasVote(early.BlockID, early.ValidatorAddress))
	assert.Equal(t, 1, cs.pendingCount)

	require.NoError(t, cs.setProposal(p1))
	assert.True(t, cs.Votes.HasVote(early.BlockID, early.ValidatorAddress))
	assert.Equal(t, 0, cs.pendingCount)

	// 重复的投票不算新投票
	added, err = cs.TryAddVote(early, "peer")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestPendingVotesBounded(t *testing.T) {
	vals, privs := types.RandValidatorSet(1, 10)
	node := newTestNode(t, newGenesisDoc(vals), privs[0], log.NewNopLogger())
	cs := node.cs
	cs.config.MaxPendingVotes = 2

	for i := 0; i < 3; i++ {
		v := signVote(t, privs[0], types.SumDigest([]byte{byte(i)}))
		_, err := cs.TryAddVote(v, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, cs.pendingCount)
}

func TestTryAddVoteRejects(t *testing.T) {
	nodes, privs := newTestNodes(t, 4)
	cs := nodes[0].cs
	p1 := makeProposal(t, cs, privs, nil)
	require.NoError(t, cs.setProposal(p1))
	id := p1.Block.Hash()

	v := signVote(t, privs[1], id)
	added, err := cs.TryAddVote(v, "")
	require.NoError(t, err)
	assert.True(t, added)

	// 签名无法验证的投票在冲突检查之前就被拒绝
	forged := types.NewVote(id, v.ValidatorAddress, bytes.Repeat([]byte{7}, types.SignatureSize))
	_, err = cs.TryAddVote(forged, "")
	assert.True(t, errors.Is(err, cstypes.ErrInvalidSignature))

	outsider := signVote(t, types.NewMockPV(), id)
	_, err = cs.TryAddVote(outsider, "")
	assert.True(t, errors.Is(err, cstypes.ErrUnknownVoter))

	status := cs.VoteStatus(id)
	assert.Equal(t, int64(10), status.Power)
	assert.Equal(t, int64(27), status.Needed)
	assert.False(t, status.HasQuorum)
	assert.Equal(t, 1, status.Votes.Len())

	assert.Contains(t, cs.Metric().JSONString(), `"rejected_votes":2`)
}

// 只有下一个高度的leader在quorum之后提案
func TestTryProposeWaitsForQuorum(t *testing.T) {
	nodes, privs := newTestNodes(t, 4)
	var proposed []int64
	for _, n := range nodes {
		n := n
		n.cs.decideProposal = func(height int64, lastVotes *types.VoteMap) {
			proposed = append(proposed, height)
			n.cs.defaultProposal(height, lastVotes)
		}
	}

	// 第一个区块不需要投票
	var first *testNode
	for _, n := range nodes {
		n.cs.tryPropose()
		if len(proposed) == 1 && first == nil {
			first = n
		}
	}
	require.NotNil(t, first)
	require.Equal(t, []int64{1}, proposed)

	mi := <-first.cs.internalMsgQueue
	p1 := mi.Msg.(*ProposalMessage).Proposal
	for _, n := range nodes {
		require.NoError(t, n.cs.setProposal(p1))
	}
	id := p1.Block.Hash()

	next := nodes[0].cs.Validators.GetProposer(types.LTime(2)).Address
	var leader *ConsensusState
	for _, n := range nodes {
		_, val := n.cs.Validators.GetByIndex(n.cs.ValIndex)
		if val.Address == next {
			leader = n.cs
		}
	}
	require.NotNil(t, leader)

	for i, pv := range privs[:2] {
		_, err := leader.TryAddVote(signVote(t, pv, id), "")
		require.NoError(t, err, "vote %d", i)
	}
	leader.tryPropose()
	assert.Equal(t, []int64{1}, proposed)

	_, err := leader.TryAddVote(signVote(t, privs[2], id), "")
	require.NoError(t, err)
	leader.tryPropose()
	assert.Equal(t, []int64{1, 2}, proposed)
	assert.True(t, leader.Votes.IsClosed(id))

	// 同一高度只提案一次
	leader.tryPropose()
	assert.Equal(t, []int64{1, 2}, proposed)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConsensusStateString(t *testing.T) {
	nodes, _ := newTestNodes(t, 1)
	var svc service.Service = nodes[0].cs
	assert.Equal(t, "CONSENSUS", svc.String())
	assert.Contains(t, nodes[0].cs.RoundState.String(), "RoundState")
}

// stallingProvider 第一次查询target时先运行onLookup，然后仍然返回ErrUnknownBlock
// 相当于查询在区块提交之前完成，结果在提交之后才被使用
type stallingProvider struct {
	types.ValidatorSetProvider
	target   types.Digest
	onLookup func()
	fired    bool
}

func (p *stallingProvider) ValidatorsAt(id types.Digest) (*types.ValidatorSet, error) {
	if id == p.target && !p.fired && p.onLookup != nil {
		p.fired = true
		p.onLookup()
		return nil, types.ErrUnknownBlock
	}
	return p.ValidatorSetProvider.ValidatorsAt(id)
}

// 查询验证者集合失败之后、缓存投票之前区块被提交，投票不能滞留在缓存里
func TestPendingVoteRacesWithCommit(t *testing.T) {
	vals, privs := types.RandValidatorSet(4, 10)
	genDoc := newGenesisDoc(vals)
	var provider *stallingProvider
	node := newTestNodeWithProvider(t, genDoc, privs[0], log.NewNopLogger(),
		func(inner types.ValidatorSetProvider) types.ValidatorSetProvider {
			provider = &stallingProvider{ValidatorSetProvider: inner}
			return provider
		})
	cs := node.cs

	p1 := makeProposal(t, cs, privs, nil)
	provider.target = p1.Block.Hash()
	provider.onLookup = func() {
		require.NoError(t, cs.setProposal(p1))
	}

	vote := signVote(t, privs[2], p1.Block.Hash())
	added, err := cs.TryAddVote(vote, "peer")
	require.NoError(t, err)
	assert.True(t, provider.fired)
	assert.True(t, added)
	assert.True(t, cs.Votes.HasVote(vote.BlockID, vote.ValidatorAddress))
	assert.Equal(t, 0, cs.pendingCount)
	assert.Empty(t, cs.pendingVotes)
}

// 重放缓存的投票：合法的投票各触发一次EventNewVote，无效的计入rejected
func TestPendingVotesReplayBatch(t *testing.T) {
	nodes, privs := newTestNodes(t, 4)
	cs := nodes[0].cs
	p1 := makeProposal(t, cs, privs, nil)
	id := p1.Block.Hash()

	var (
		mtx      sync.Mutex
		newVotes []*types.Vote
	)
	require.NoError(t, cs.eventSwitch.AddListenerForEvent("replay", EventNewVote, func(data events.EventData) {
		mtx.Lock()
		newVotes = append(newVotes, data.(*types.Vote))
		mtx.Unlock()
	}))

	forged := types.NewVote(id, signVote(t, privs[1], id).ValidatorAddress, bytes.Repeat([]byte{7}, types.SignatureSize))
	retransmitted := signVote(t, privs[2], id)
	pending := []*types.Vote{
		signVote(t, privs[1], id),
		retransmitted,
		retransmitted,
		signVote(t, privs[3], id),
		forged,
	}
	for _, v := range pending {
		added, err := cs.TryAddVote(v, "peer")
		require.NoError(t, err)
		assert.False(t, added)
	}
	assert.Equal(t, len(pending), cs.pendingCount)

	require.NoError(t, cs.setProposal(p1))
	assert.Equal(t, 0, cs.pendingCount)

	mtx.Lock()
	assert.Len(t, newVotes, 3)
	mtx.Unlock()
	status := cs.VoteStatus(id)
	assert.True(t, status.HasQuorum)
	assert.Equal(t, 3, status.Votes.Len())
	assert.Contains(t, cs.Metric().JSONString(), `"rejected_votes":1`)
	assert.Contains(t, cs.Metric().JSONString(), `"recorded_votes":3`)
}

// 同一张投票被多个协程同时收到，只有一个协程认为它是新投票
func TestTryAddVoteConcurrentDuplicates(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, privs := newTestNodes(t, 4)
	cs := nodes[0].cs
	p1 := makeProposal(t, cs, privs, nil)
	require.NoError(t, cs.setProposal(p1))
	vote := signVote(t, privs[1], p1.Block.Hash())

	var (
		mtx    sync.Mutex
		fired  int
		addedN int
		wg     sync.WaitGroup
	)
	require.NoError(t, cs.eventSwitch.AddListenerForEvent("dup", EventNewVote, func(events.EventData) {
		mtx.Lock()
		fired++
		mtx.Unlock()
	}))
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := cs.TryAddVote(vote, "peer")
			assert.NoError(t, err)
			if added {
				mtx.Lock()
				addedN++
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, addedN)
}
