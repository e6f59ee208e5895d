package types

import (
	"errors"
	"fmt"

	"treegraph_bft/types"
)

var (
	ErrInvalidSignature   = errors.New("invalid vote signature")
	ErrUnknownVoter       = errors.New("voter is not in the validator set")
	ErrDuplicateVote      = errors.New("duplicate vote")
	ErrQuorumNotReached   = errors.New("quorum not reached")
	ErrVoteForClosedBlock = errors.New("block is already finalized or discarded")
)

// ConflictingVoteError 同一个验证者对同一个区块给出了两个不同的签名
// 两个签名一起构成了作恶证据
type ConflictingVoteError struct {
	BlockID  types.Digest
	Voter    types.Address
	Existing types.Signature
	Received types.Signature
}

func (e *ConflictingVoteError) Error() string {
	return fmt.Sprintf("conflicting vote from %v for block %v: have %X, got %X",
		e.Voter, e.BlockID, []byte(e.Existing), []byte(e.Received))
}

func (e *ConflictingVoteError) Is(target error) bool {
	return target == ErrDuplicateVote
}

// IsConflictingVoteError returns the evidence if err is a conflicting vote.
func IsConflictingVoteError(err error) (*ConflictingVoteError, bool) {
	var target *ConflictingVoteError
	ok := errors.As(err, &target)
	return target, ok
}

// QuorumNotReachedError 记录的投票权重不足
type QuorumNotReachedError struct {
	BlockID types.Digest
	Got     int64
	Needed  int64
}

func (e *QuorumNotReachedError) Error() string {
	return fmt.Sprintf("quorum not reached for block %v: got %d, needed %d", e.BlockID, e.Got, e.Needed)
}

func (e *QuorumNotReachedError) Is(target error) bool {
	return target == ErrQuorumNotReached
}
