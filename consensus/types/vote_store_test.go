package types

import (
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"treegraph_bft/types"
)

const testChainID = "vote-store-test"

type staticProvider struct {
	vals *types.ValidatorSet
}

func (p staticProvider) ValidatorsAt(types.Digest) (*types.ValidatorSet, error) {
	return p.vals, nil
}

// digestProvider 每个区块有各自的验证者集合
type digestProvider map[types.Digest]*types.ValidatorSet

func (p digestProvider) ValidatorsAt(id types.Digest) (*types.ValidatorSet, error) {
	vals, ok := p[id]
	if !ok {
		return nil, types.ErrUnknownBlock
	}
	return vals, nil
}

func newTestStore(t *testing.T, n int, opts ...VoteStoreOption) (*VoteStore, *types.ValidatorSet, []types.PrivValidator) {
	vals, privs := types.RandValidatorSet(n, 10)
	vs, err := NewVoteStore(testChainID, staticProvider{vals}, DefaultVoteStoreConfig(), opts...)
	require.NoError(t, err)
	return vs, vals, privs
}

func signVote(t require.TestingT, pv types.PrivValidator, blockID types.Digest) *types.Vote {
	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	vote := types.NewVote(blockID, types.GetAddress(pub), nil)
	require.NoError(t, pv.SignVote(testChainID, vote))
	return vote
}

// recordVote 记录一张新的投票
func recordVote(t require.TestingT, vs *VoteStore, vote *types.Vote) {
	added, err := vs.RecordVote(vote)
	require.NoError(t, err)
	require.True(t, added)
}

func TestRecordVoteAndFinalize(t *testing.T) {
	vs, vals, privs := newTestStore(t, 4)
	blockID := types.SumDigest([]byte("A"))

	// 4*10 的2/3以上 => 27，需要三票
	for i := 0; i < 2; i++ {
		recordVote(t, vs, signVote(t, privs[i], blockID))
	}
	_, err := vs.Finalize(blockID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuorumNotReached))
	var qerr *QuorumNotReachedError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, int64(20), qerr.Got)
	assert.Equal(t, int64(27), qerr.Needed)
	assert.False(t, vs.HasQuorum(blockID))

	recordVote(t, vs, signVote(t, privs[3], blockID))
	assert.True(t, vs.HasQuorum(blockID))

	votes, err := vs.Finalize(blockID)
	require.NoError(t, err)
	assert.Equal(t, 3, votes.Len())
	for _, a := range votes.Addresses() {
		assert.True(t, vals.HasAddress(a))
	}
	assert.Equal(t, 0, vs.Size())

	// finalize之后迟到的投票
	added, err := vs.RecordVote(signVote(t, privs[2], blockID))
	assert.False(t, added)
	assert.True(t, errors.Is(err, ErrVoteForClosedBlock))
	_, err = vs.Finalize(blockID)
	assert.True(t, errors.Is(err, ErrVoteForClosedBlock))

	// 快照不受影响
	assert.Equal(t, 3, votes.Len())
}

func TestRecordVoteUnknownVoterDoesNotMutate(t *testing.T) {
	vs, _, _ := newTestStore(t, 4)
	blockID := types.SumDigest([]byte("A"))

	outsider := types.NewMockPV()
	added, err := vs.RecordVote(signVote(t, outsider, blockID))
	assert.False(t, added)
	assert.True(t, errors.Is(err, ErrUnknownVoter))
	assert.Equal(t, 0, vs.Size())
	assert.Equal(t, 0, vs.Votes(blockID).Len())
}

func TestRecordVoteInvalidSignature(t *testing.T) {
	vs, _, privs := newTestStore(t, 4)
	blockID := types.SumDigest([]byte("A"))

	vote := signVote(t, privs[0], types.SumDigest([]byte("B")))
	vote.BlockID = blockID
	_, err := vs.RecordVote(vote)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	short := signVote(t, privs[0], blockID)
	short.Signature = short.Signature[:10]
	_, err = vs.RecordVote(short)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	assert.Equal(t, 0, vs.Size())
}

func TestRecordVoteSkipVerification(t *testing.T) {
	vs, _, privs := newTestStore(t, 4, SkipSignatureVerification())
	blockID := types.SumDigest([]byte("A"))

	vote := signVote(t, privs[0], types.SumDigest([]byte("B")))
	vote.BlockID = blockID
	recordVote(t, vs, vote)
}

func TestRecordVoteRetransmissionAndConflict(t *testing.T) {
	vs, _, privs := newTestStore(t, 4, SkipSignatureVerification())
	blockID := types.SumDigest([]byte("A"))

	vote := signVote(t, privs[0], blockID)
	recordVote(t, vs, vote)
	// 重传是幂等的，但不算新投票
	added, err := vs.RecordVote(vote)
	require.NoError(t, err)
	assert.False(t, added)
	got, _ := vs.VotingPower(blockID)
	assert.Equal(t, int64(10), got)

	conflicting := types.NewVote(blockID, vote.ValidatorAddress, append(types.Signature{}, vote.Signature...))
	conflicting.Signature[0] ^= 0xff
	added, err = vs.RecordVote(conflicting)
	assert.False(t, added)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateVote))

	evidence, ok := IsConflictingVoteError(err)
	require.True(t, ok)
	assert.Equal(t, vote.Signature, evidence.Existing)
	assert.Equal(t, conflicting.Signature, evidence.Received)

	// 原来的签名保持不变
	sig, ok := vs.Votes(blockID).Get(vote.ValidatorAddress)
	require.True(t, ok)
	assert.Equal(t, vote.Signature, sig)
	got, _ = vs.VotingPower(blockID)
	assert.Equal(t, int64(10), got)
}

func TestDiscard(t *testing.T) {
	vs, _, privs := newTestStore(t, 4)
	blockID := types.SumDigest([]byte("A"))

	recordVote(t, vs, signVote(t, privs[0], blockID))
	assert.Equal(t, 1, vs.Size())

	vs.Discard(blockID)
	assert.Equal(t, 0, vs.Size())
	assert.True(t, vs.IsClosed(blockID))

	_, err := vs.RecordVote(signVote(t, privs[1], blockID))
	assert.True(t, errors.Is(err, ErrVoteForClosedBlock))

	// 丢弃一个不存在的区块也没有问题
	vs.Discard(types.SumDigest([]byte("never seen")))
}

func TestRecordVotesAggregatesErrors(t *testing.T) {
	vs, _, privs := newTestStore(t, 4)
	blockID := types.SumDigest([]byte("A"))

	votes := []*types.Vote{
		signVote(t, privs[0], blockID),
		signVote(t, types.NewMockPV(), blockID),
		signVote(t, privs[1], blockID),
		{BlockID: blockID, ValidatorAddress: types.ZeroAddress},
	}
	recorded, err := vs.RecordVotes(votes)
	require.Error(t, err)
	assert.Equal(t, []*types.Vote{votes[0], votes[2]}, recorded)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 2)
	assert.True(t, errors.Is(merr.Errors[0], ErrUnknownVoter))
	assert.True(t, errors.Is(merr.Errors[1], ErrInvalidSignature))

	got, _ := vs.VotingPower(blockID)
	assert.Equal(t, int64(20), got)

	// 再记录一次时没有新投票
	recorded, err = vs.RecordVotes(votes[:1])
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

// 每个区块的投票只按照该区块自己的验证者集合计算
func TestRecordVotePerBlockValidators(t *testing.T) {
	valsA, privsA := types.RandValidatorSet(4, 10)
	valsB, privsB := types.RandValidatorSet(3, 1)
	blockA := types.SumDigest([]byte("A"))
	blockB := types.SumDigest([]byte("B"))
	vs, err := NewVoteStore(testChainID, digestProvider{blockA: valsA, blockB: valsB}, nil)
	require.NoError(t, err)

	_, neededA := vs.VotingPower(blockA)
	_, neededB := vs.VotingPower(blockB)
	assert.Equal(t, int64(27), neededA)
	assert.Equal(t, int64(3), neededB)

	// A的验证者不能为B投票，反之亦然
	_, err = vs.RecordVote(signVote(t, privsA[0], blockB))
	assert.True(t, errors.Is(err, ErrUnknownVoter))
	_, err = vs.RecordVote(signVote(t, privsB[0], blockA))
	assert.True(t, errors.Is(err, ErrUnknownVoter))

	for _, pv := range privsB {
		recordVote(t, vs, signVote(t, pv, blockB))
	}
	for _, pv := range privsA[:2] {
		recordVote(t, vs, signVote(t, pv, blockA))
	}
	assert.True(t, vs.HasQuorum(blockB))
	assert.False(t, vs.HasQuorum(blockA))

	gotA, _ := vs.VotingPower(blockA)
	assert.Equal(t, int64(20), gotA)

	votesB, err := vs.Finalize(blockB)
	require.NoError(t, err)
	for _, a := range votesB.Addresses() {
		assert.True(t, valsB.HasAddress(a))
	}

	// 没有验证者集合的区块
	_, err = vs.RecordVote(signVote(t, privsA[0], types.SumDigest([]byte("C"))))
	assert.True(t, errors.Is(err, types.ErrUnknownBlock))
	assert.Equal(t, 1, vs.Size())
}

// 不同区块的投票并发写入
func TestRecordVoteConcurrent(t *testing.T) {
	vs, _, privs := newTestStore(t, 7, SkipSignatureVerification())
	blocks := []types.Digest{
		types.SumDigest([]byte("A")),
		types.SumDigest([]byte("B")),
		types.SumDigest([]byte("C")),
	}

	var wg sync.WaitGroup
	for _, blockID := range blocks {
		for _, pv := range privs {
			wg.Add(1)
			go func(blockID types.Digest, pv types.PrivValidator) {
				defer wg.Done()
				added, err := vs.RecordVote(signVote(t, pv, blockID))
				assert.NoError(t, err)
				assert.True(t, added)
			}(blockID, pv)
		}
	}
	wg.Wait()

	for _, blockID := range blocks {
		votes, err := vs.Finalize(blockID)
		require.NoError(t, err)
		assert.Equal(t, len(privs), votes.Len())
	}
}

// 同一个区块上的Finalize和RecordVote竞争，Finalize最多成功一次
func TestFinalizeRacesWithRecordVote(t *testing.T) {
	vs, _, privs := newTestStore(t, 4, SkipSignatureVerification())
	blockID := types.SumDigest([]byte("A"))
	for i := 0; i < 3; i++ {
		recordVote(t, vs, signVote(t, privs[i], blockID))
	}
	late := signVote(t, privs[3], blockID)

	var (
		wg        sync.WaitGroup
		mtx       sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := vs.Finalize(blockID); err == nil {
				mtx.Lock()
				successes++
				mtx.Unlock()
			} else {
				assert.True(t, errors.Is(err, ErrVoteForClosedBlock))
			}
		}()
		go func() {
			defer wg.Done()
			_, err := vs.RecordVote(late)
			assert.True(t, err == nil || errors.Is(err, ErrVoteForClosedBlock))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

// 投票的到达顺序不影响最终的快照
func TestFinalizeIsOrderIndependent(t *testing.T) {
	vals, privs := types.RandValidatorSet(6, 1)
	blockID := types.SumDigest([]byte("A"))
	votes := make([]*types.Vote, len(privs))
	for i, pv := range privs {
		votes[i] = signVote(t, pv, blockID)
	}

	reference, err := NewVoteStore(testChainID, staticProvider{vals}, nil)
	require.NoError(t, err)
	recorded, err := reference.RecordVotes(votes)
	require.NoError(t, err)
	require.Len(t, recorded, len(votes))
	want, err := reference.Finalize(blockID)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		perm := rapid.Permutation(votes).Draw(t, "votes")
		vs, err := NewVoteStore(testChainID, staticProvider{vals}, nil, SkipSignatureVerification())
		if err != nil {
			t.Fatal(err)
		}
		for _, v := range perm {
			if _, err := vs.RecordVote(v); err != nil {
				t.Fatal(err)
			}
		}
		got, err := vs.Finalize(blockID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) {
			t.Fatalf("snapshot depends on arrival order: %v vs %v", got, want)
		}
	})
}

func TestVerifyVoteSet(t *testing.T) {
	vals, privs := types.RandValidatorSet(4, 10)
	blockID := types.SumDigest([]byte("A"))

	var entries []types.VoteEntry
	for _, pv := range privs[:3] {
		v := signVote(t, pv, blockID)
		entries = append(entries, types.VoteEntry{Address: v.ValidatorAddress, Signature: v.Signature})
	}

	votes, err := VerifyVoteSet(testChainID, blockID, vals, entries, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, votes.Len())

	_, err = VerifyVoteSet(testChainID, blockID, vals, entries[:2], nil)
	assert.True(t, errors.Is(err, ErrQuorumNotReached))

	_, err = VerifyVoteSet(testChainID, blockID, vals, []types.VoteEntry{entries[1], entries[0], entries[2]}, nil)
	assert.True(t, errors.Is(err, ErrDuplicateVote))

	_, err = VerifyVoteSet(testChainID, types.SumDigest([]byte("B")), vals, entries, nil)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	outsider := signVote(t, types.NewMockPV(), blockID)
	withOutsider, err := types.VoteMapFromEntries(append(append([]types.VoteEntry{}, entries...),
		types.VoteEntry{Address: outsider.ValidatorAddress, Signature: outsider.Signature}))
	require.NoError(t, err)
	_, err = VerifyVoteSet(testChainID, blockID, vals, withOutsider.Entries(), nil)
	assert.True(t, errors.Is(err, ErrUnknownVoter))
}

func TestVoteStoreConfigValidateBasic(t *testing.T) {
	assert.NoError(t, DefaultVoteStoreConfig().ValidateBasic())

	cfg := DefaultVoteStoreConfig()
	cfg.ClosedCacheSize = 0
	assert.Error(t, cfg.ValidateBasic())

	_, err := NewVoteStore(testChainID, staticProvider{}, cfg)
	assert.Error(t, err)
}
