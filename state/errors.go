package state

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProposer       = errors.New("proposer is not in the validator set")
	ErrNonMonotonicTimestamp = errors.New("timestamp is less than the previous block's")
	ErrInvalidVoteSet        = errors.New("vote set contains a non-validator")
	ErrMetadataTxFailed      = errors.New("metadata transaction failed")
)

// InvalidBlockError 区块和当前状态不匹配
type InvalidBlockError struct {
	Err error
}

func ErrInvalidBlock(err error) error {
	return &InvalidBlockError{Err: err}
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block: %v", e.Err)
}

func (e *InvalidBlockError) Unwrap() error {
	return e.Err
}

// IsInvalidBlockError reports whether err was caused by a block that does not fit the state.
func IsInvalidBlockError(err error) bool {
	var target *InvalidBlockError
	return errors.As(err, &target)
}
