package types

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/hashicorp/go-multierror"
	"github.com/tendermint/tendermint/libs/log"
	"golang.org/x/sync/errgroup"

	"treegraph_bft/types"
)

const (
	defaultClosedCacheSize = 1024
	defaultVerifyWorkers   = 4
)

// VoteStoreConfig quorum规则以及VoteStore内部的资源限制
type VoteStoreConfig struct {
	Quorum types.QuorumRule `mapstructure:"quorum"`

	// 记住最近多少个已经finalize/discard的区块，迟到的投票不能重新打开它们
	ClosedCacheSize int `mapstructure:"closed_cache_size"`

	// RecordVotes / VerifyVoteSet 并行验签的goroutine数量
	VerifyWorkers int `mapstructure:"verify_workers"`
}

func DefaultVoteStoreConfig() *VoteStoreConfig {
	return &VoteStoreConfig{
		Quorum:          types.DefaultQuorumRule(),
		ClosedCacheSize: defaultClosedCacheSize,
		VerifyWorkers:   defaultVerifyWorkers,
	}
}

func (cfg *VoteStoreConfig) ValidateBasic() error {
	if err := cfg.Quorum.ValidateBasic(); err != nil {
		return err
	}
	if cfg.ClosedCacheSize <= 0 {
		return fmt.Errorf("closed_cache_size must be positive, got %d", cfg.ClosedCacheSize)
	}
	if cfg.VerifyWorkers <= 0 {
		return fmt.Errorf("verify_workers must be positive, got %d", cfg.VerifyWorkers)
	}
	return nil
}

// blockVotes 某一个区块收到的全部投票
// validators和needed在创建时确定，之后不再变化
type blockVotes struct {
	mtx sync.Mutex

	validators *types.ValidatorSet
	votes      *types.VoteMap
	power      int64
	needed     int64
	closed     bool
}

// VoteStore 按区块收集投票，直到某个区块达到quorum后finalize
//
// 不同区块的投票互不阻塞：外层锁只保护 digest -> blockVotes 的索引，
// 同一个区块的投票记录、quorum判断和快照都在该区块自己的锁下完成。
type VoteStore struct {
	chainID    string
	provider   types.ValidatorSetProvider
	config     *VoteStoreConfig
	skipVerify bool

	mtx    sync.RWMutex
	blocks map[types.Digest]*blockVotes
	closed *lru.Cache // 已经finalize/discard的区块

	logger log.Logger
}

type VoteStoreOption func(*VoteStore)

// SkipSignatureVerification 只用于本地产生、已经可信的投票
func SkipSignatureVerification() VoteStoreOption {
	return func(vs *VoteStore) {
		vs.skipVerify = true
	}
}

func NewVoteStore(
	chainID string,
	provider types.ValidatorSetProvider,
	config *VoteStoreConfig,
	options ...VoteStoreOption,
) (*VoteStore, error) {
	if config == nil {
		config = DefaultVoteStoreConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid vote store config: %w", err)
	}
	closed, err := lru.New(config.ClosedCacheSize)
	if err != nil {
		return nil, err
	}

	vs := &VoteStore{
		chainID:  chainID,
		provider: provider,
		config:   config,
		blocks:   make(map[types.Digest]*blockVotes),
		closed:   closed,
		logger:   log.NewNopLogger(),
	}
	for _, opt := range options {
		opt(vs)
	}
	return vs, nil
}

func (vs *VoteStore) SetLogger(logger log.Logger) {
	vs.logger = logger
}

// RecordVote 记录一张投票
//
// added只有在这张投票第一次被记录时为true，重传的相同投票返回(false, nil)
//
// 错误：
//  - ErrVoteForClosedBlock: 区块已经finalize或者被丢弃
//  - ErrInvalidSignature: 投票格式错误或者签名验证失败
//  - ErrUnknownVoter: 投票者不在该区块的验证者集合中
//  - ErrDuplicateVote (*ConflictingVoteError): 同一投票者对该区块给出了不同的签名
//
// 被拒绝的投票不会改变VoteStore的状态
func (vs *VoteStore) RecordVote(vote *types.Vote) (added bool, err error) {
	if err := vote.ValidateBasic(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	blockID := vote.BlockID

	if vs.closed.Contains(blockID) {
		return false, ErrVoteForClosedBlock
	}

	vals, err := vs.provider.ValidatorsAt(blockID)
	if err != nil {
		return false, fmt.Errorf("can't load validators of block %v: %w", blockID, err)
	}
	_, val := vals.GetByAddress(vote.ValidatorAddress)
	if val == nil {
		return false, fmt.Errorf("%w: %v", ErrUnknownVoter, vote.ValidatorAddress)
	}
	if !vs.skipVerify && !val.VerifyVote(vs.chainID, blockID, vote.Signature) {
		return false, fmt.Errorf("%w: from %v", ErrInvalidSignature, vote.ValidatorAddress)
	}

	bv, err := vs.getOrCreate(blockID, vals)
	if err != nil {
		return false, err
	}

	bv.mtx.Lock()
	defer bv.mtx.Unlock()

	if bv.closed {
		return false, ErrVoteForClosedBlock
	}
	// 验证者集合以entry创建时的为准
	_, val = bv.validators.GetByAddress(vote.ValidatorAddress)
	if val == nil {
		return false, fmt.Errorf("%w: %v", ErrUnknownVoter, vote.ValidatorAddress)
	}
	if existing, ok := bv.votes.Get(vote.ValidatorAddress); ok {
		if existing.String() == vote.Signature.String() {
			// 重传
			return false, nil
		}
		vs.logger.Info("conflicting vote", "block", blockID, "voter", vote.ValidatorAddress)
		return false, &ConflictingVoteError{
			BlockID:  blockID,
			Voter:    vote.ValidatorAddress,
			Existing: existing,
			Received: vote.Signature,
		}
	}

	bv.votes.Set(vote.ValidatorAddress, vote.Signature)
	bv.power += val.VotingPower
	vs.logger.Debug("recorded vote", "block", blockID, "voter", vote.ValidatorAddress,
		"power", bv.power, "needed", bv.needed)
	return true, nil
}

// RecordVotes 并行验证并记录一批投票
// 返回第一次被记录的投票（保持输入顺序），以及所有失败投票的错误集合
func (vs *VoteStore) RecordVotes(votes []*types.Vote) ([]*types.Vote, error) {
	added := make([]bool, len(votes))
	errs := make([]error, len(votes))

	var g errgroup.Group
	g.SetLimit(vs.config.VerifyWorkers)
	for i, vote := range votes {
		i, vote := i, vote
		g.Go(func() error {
			ok, err := vs.RecordVote(vote)
			if err != nil {
				errs[i] = fmt.Errorf("vote #%d: %w", i, err)
			}
			added[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	var (
		recorded []*types.Vote
		result   *multierror.Error
	)
	for i, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
		if added[i] {
			recorded = append(recorded, votes[i])
		}
	}
	return recorded, result.ErrorOrNil()
}

func (vs *VoteStore) getOrCreate(blockID types.Digest, vals *types.ValidatorSet) (*blockVotes, error) {
	vs.mtx.RLock()
	bv, ok := vs.blocks[blockID]
	vs.mtx.RUnlock()
	if ok {
		return bv, nil
	}

	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	if bv, ok := vs.blocks[blockID]; ok {
		return bv, nil
	}
	if vs.closed.Contains(blockID) {
		return nil, ErrVoteForClosedBlock
	}
	bv = &blockVotes{
		validators: vals,
		votes:      types.NewVoteMap(),
		needed:     vals.QuorumThreshold(vs.config.Quorum),
	}
	vs.blocks[blockID] = bv
	return bv, nil
}

func (vs *VoteStore) get(blockID types.Digest) *blockVotes {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()
	return vs.blocks[blockID]
}

// close 从索引中删除区块，并记住它已经关闭
func (vs *VoteStore) close(blockID types.Digest) *blockVotes {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	bv := vs.blocks[blockID]
	delete(vs.blocks, blockID)
	vs.closed.Add(blockID, struct{}{})
	return bv
}

// Finalize 如果区块已经达到quorum，返回按Address排序的投票快照并关闭该区块
// 之后该区块的投票都会返回ErrVoteForClosedBlock
func (vs *VoteStore) Finalize(blockID types.Digest) (*types.VoteMap, error) {
	bv := vs.get(blockID)
	if bv == nil {
		if vs.closed.Contains(blockID) {
			return nil, ErrVoteForClosedBlock
		}
		return nil, &QuorumNotReachedError{BlockID: blockID, Got: 0, Needed: vs.neededFor(blockID)}
	}

	bv.mtx.Lock()
	if bv.closed {
		bv.mtx.Unlock()
		return nil, ErrVoteForClosedBlock
	}
	if bv.power < bv.needed {
		got, needed := bv.power, bv.needed
		bv.mtx.Unlock()
		return nil, &QuorumNotReachedError{BlockID: blockID, Got: got, Needed: needed}
	}
	bv.closed = true
	snapshot := bv.votes.Copy()
	bv.mtx.Unlock()

	vs.close(blockID)
	vs.logger.Debug("finalized block votes", "block", blockID, "votes", snapshot.Len())
	return snapshot, nil
}

// Discard 放弃一个区块（分叉被淘汰），释放它的投票
func (vs *VoteStore) Discard(blockID types.Digest) {
	bv := vs.close(blockID)
	if bv == nil {
		return
	}
	bv.mtx.Lock()
	bv.closed = true
	bv.mtx.Unlock()
	vs.logger.Debug("discarded block votes", "block", blockID)
}

// IsClosed reports whether blockID was recently finalized or discarded.
func (vs *VoteStore) IsClosed(blockID types.Digest) bool {
	return vs.closed.Contains(blockID)
}

func (vs *VoteStore) HasQuorum(blockID types.Digest) bool {
	got, needed := vs.VotingPower(blockID)
	return needed > 0 && got >= needed
}

// VotingPower returns the recorded and the required voting power of blockID.
func (vs *VoteStore) VotingPower(blockID types.Digest) (got, needed int64) {
	bv := vs.get(blockID)
	if bv == nil {
		return 0, vs.neededFor(blockID)
	}
	bv.mtx.Lock()
	defer bv.mtx.Unlock()
	return bv.power, bv.needed
}

// HasVote reports whether a vote of addr for blockID is recorded.
func (vs *VoteStore) HasVote(blockID types.Digest, addr types.Address) bool {
	bv := vs.get(blockID)
	if bv == nil {
		return false
	}
	bv.mtx.Lock()
	defer bv.mtx.Unlock()
	return bv.votes.Has(addr)
}

// Votes returns a copy of the votes recorded for blockID so far.
func (vs *VoteStore) Votes(blockID types.Digest) *types.VoteMap {
	bv := vs.get(blockID)
	if bv == nil {
		return types.NewVoteMap()
	}
	bv.mtx.Lock()
	defer bv.mtx.Unlock()
	return bv.votes.Copy()
}

// Size returns the number of blocks with open vote entries.
func (vs *VoteStore) Size() int {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()
	return len(vs.blocks)
}

func (vs *VoteStore) neededFor(blockID types.Digest) int64 {
	vals, err := vs.provider.ValidatorsAt(blockID)
	if err != nil {
		return 0
	}
	return vals.QuorumThreshold(vs.config.Quorum)
}

//-----------------------------------------------------------------------------

// VerifyVoteSet 检查提案中携带的上一个区块的投票集合
// entries必须按Address严格升序，每个签名者都在vals中且签名有效，并且总权重达到quorum
func VerifyVoteSet(
	chainID string,
	blockID types.Digest,
	vals *types.ValidatorSet,
	entries []types.VoteEntry,
	config *VoteStoreConfig,
) (*types.VoteMap, error) {
	if config == nil {
		config = DefaultVoteStoreConfig()
	}

	var power int64
	validators := make([]*types.Validator, len(entries))
	for i, e := range entries {
		if i > 0 && !entries[i-1].Address.Less(e.Address) {
			return nil, fmt.Errorf("%w: votes not strictly ascending at #%d", ErrDuplicateVote, i)
		}
		if err := types.ValidateSignature(e.Signature); err != nil {
			return nil, fmt.Errorf("%w: vote #%d: %v", ErrInvalidSignature, i, err)
		}
		_, val := vals.GetByAddress(e.Address)
		if val == nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownVoter, e.Address)
		}
		validators[i] = val
		power += val.VotingPower
	}

	if needed := vals.QuorumThreshold(config.Quorum); power < needed {
		return nil, &QuorumNotReachedError{BlockID: blockID, Got: power, Needed: needed}
	}

	var g errgroup.Group
	g.SetLimit(config.VerifyWorkers)
	for i := range entries {
		e, val := entries[i], validators[i]
		g.Go(func() error {
			if !val.VerifyVote(chainID, blockID, e.Signature) {
				return fmt.Errorf("%w: from %v", ErrInvalidSignature, e.Address)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return types.VoteMapFromEntries(entries)
}
