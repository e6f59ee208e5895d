package state

import (
	"fmt"

	"treegraph_bft/types"
)

// MetadataBuilder 根据上一个区块的验证者集合和时间戳构造BlockMetadata
type MetadataBuilder struct {
	validators        *types.ValidatorSet
	lastTimestampUsec uint64
}

// NewMetadataBuilder takes the validator set that was active for the previous
// block and that block's timestamp.
func NewMetadataBuilder(validators *types.ValidatorSet, lastTimestampUsec uint64) *MetadataBuilder {
	return &MetadataBuilder{
		validators:        validators,
		lastTimestampUsec: lastTimestampUsec,
	}
}

// Build checks the invariants and constructs the metadata of block id.
func (b *MetadataBuilder) Build(
	id types.Digest,
	timestampUsec uint64,
	previousBlockVotes *types.VoteMap,
	proposer types.Address,
) (*types.BlockMetadata, error) {
	if !b.validators.HasAddress(proposer) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposer, proposer)
	}
	// 相等是允许的，同一微秒内可能产生多个区块
	if timestampUsec < b.lastTimestampUsec {
		return nil, fmt.Errorf("%w: %d < %d", ErrNonMonotonicTimestamp, timestampUsec, b.lastTimestampUsec)
	}

	var invalid error
	previousBlockVotes.Iterate(func(addr types.Address, sig types.Signature) bool {
		if !b.validators.HasAddress(addr) {
			invalid = fmt.Errorf("%w: unknown voter %v", ErrInvalidVoteSet, addr)
			return true
		}
		if err := types.ValidateSignature(sig); err != nil {
			invalid = fmt.Errorf("%w: vote of %v: %v", ErrInvalidVoteSet, addr, err)
			return true
		}
		return false
	})
	if invalid != nil {
		return nil, invalid
	}

	return types.NewBlockMetadata(id, timestampUsec, previousBlockVotes, proposer), nil
}
