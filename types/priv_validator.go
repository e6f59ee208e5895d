package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/secp256k1"
)

// PrivValidator defines the functionality of a local validator
// that signs votes and proposals.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignProposal(chainID string, proposal *Proposal) error
}

type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int {
	return len(pvs)
}

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	pvi, err := pvs[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pvj, err := pvs[j].GetPubKey()
	if err != nil {
		panic(err)
	}

	return GetAddress(pvi).Less(GetAddress(pvj))
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{secp256k1.GenPrivKey()}
}

// NewMockPVWithKey wraps an existing key, useful for deterministic tests.
func NewMockPVWithKey(privKey crypto.PrivKey) MockPV {
	return MockPV{privKey}
}

// Implements PrivValidator.
func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

// Implements PrivValidator.
func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	if vote == nil {
		return errors.New("nil vote")
	}
	sig, err := pv.PrivKey.Sign(VoteSignBytes(chainID, vote.BlockID))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// Implements PrivValidator.
func (pv MockPV) SignProposal(chainID string, proposal *Proposal) error {
	if proposal == nil {
		return errors.New("nil proposal")
	}
	sig, err := pv.PrivKey.Sign(ProposalSignBytes(chainID, proposal))
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

// String returns a string representation of the MockPV.
func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", GetAddress(pv.PrivKey.PubKey()))
}
