// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// ValidatorSet represent a set of *Validator active for a given block.
//
// Validators are kept sorted by Address (ascending), so the indices and Hash()
// are identical on every node holding the same set.
//
// A ValidatorSet is a snapshot: once it was handed out by a ValidatorSetProvider
// it must not be mutated, rounds at different heights may share it.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`

	totalVotingPower int64
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. If valz is nil or empty, the new ValidatorSet
// will have an empty list of Validators.
//
// The addresses of validators in `valz` must be unique otherwise the function
// panics.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = validatorListCopy(valz)
	sort.Sort(ValidatorsByAddress(vals.Validators))

	for i := 1; i < len(vals.Validators); i++ {
		if vals.Validators[i-1].Address == vals.Validators[i].Address {
			panic(fmt.Sprintf("duplicate validator %v", vals.Validators[i].Address))
		}
	}
	vals.updateTotalVotingPower()

	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}

	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
		if idx > 0 && !vals.Validators[idx-1].Address.Less(val.Address) {
			return fmt.Errorf("validators are not sorted by address at #%d", idx)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators:       validatorListCopy(vals.Validators),
		totalVotingPower: vals.totalVotingPower,
	}
}

func (vals *ValidatorSet) search(address Address) int {
	return sort.Search(len(vals.Validators), func(i int) bool {
		return !vals.Validators[i].Address.Less(address)
	})
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address Address) bool {
	if vals == nil {
		return false
	}
	idx := vals.search(address)
	return idx < len(vals.Validators) && vals.Validators[idx].Address == address
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address Address) (index int32, val *Validator) {
	if vals == nil {
		return -1, nil
	}
	idx := vals.search(address)
	if idx < len(vals.Validators) && vals.Validators[idx].Address == address {
		return int32(idx), vals.Validators[idx].Copy()
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index.
// It returns nil values if index is less than 0 or greater or equal to
// len(ValidatorSet.Validators).
func (vals *ValidatorSet) GetByIndex(index int32) (address Address, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return ZeroAddress, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

func (vals *ValidatorSet) updateTotalVotingPower() {
	var sum int64
	for _, val := range vals.Validators {
		sum += val.VotingPower
	}
	vals.totalVotingPower = sum
}

// TotalVotingPower returns the sum of the voting powers of all validators.
func (vals *ValidatorSet) TotalVotingPower() int64 {
	if vals == nil {
		return 0
	}
	if vals.totalVotingPower == 0 {
		// 反序列化得到的validator set没有缓存，这里不回写，snapshot可能被多个goroutine共享
		var sum int64
		for _, val := range vals.Validators {
			sum += val.VotingPower
		}
		return sum
	}
	return vals.totalVotingPower
}

// GetProposer returns the leader for the given height/round. Leader election is
// round-robin over the address-sorted validators. If the validator set is
// empty, nil is returned.
func (vals *ValidatorSet) GetProposer(current LTime) (proposer *Validator) {
	if len(vals.Validators) == 0 {
		return nil
	}
	idx := current.Mod(len(vals.Validators))

	return vals.Validators[idx].Copy()
}

// Hash returns the Merkle root hash build using validators (as leaves) in the
// set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

//----------------

// String returns a string representation of ValidatorSet.
//
// See StringIndented.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an intended String.
//
// See Validator#String.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)

}

//----------------------------------------

// ValidatorsByAddress implements sort.Interface for []*Validator based on
// the Address field.
type ValidatorsByAddress []*Validator

func (valz ValidatorsByAddress) Len() int { return len(valz) }

func (valz ValidatorsByAddress) Less(i, j int) bool {
	return valz[i].Address.Less(valz[j].Address)
}

func (valz ValidatorsByAddress) Swap(i, j int) {
	valz[i], valz[j] = valz[j], valz[i]
}

//----------------------------------------

// RandValidatorSet returns a randomized validator set (size: +numValidators+),
// where each validator has a voting power of +votingPower+.
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int, votingPower int64) (*ValidatorSet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)

	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator(votingPower)
		valz[i] = val
		privValidators[i] = privValidator
	}

	sort.Sort(PrivValidatorsByAddress(privValidators))

	return NewValidatorSet(valz), privValidators
}

//----------------------------------------

// ErrUnknownBlock is returned by a ValidatorSetProvider that has no validator
// set recorded for the requested block.
var ErrUnknownBlock = errors.New("unknown block")

// ValidatorSetProvider 返回给定区块对应的验证者集合，即为该区块投票的那一组验证者
// 同一个blockID在所有节点上必须返回相同的集合
type ValidatorSetProvider interface {
	ValidatorsAt(blockID Digest) (*ValidatorSet, error)
}
