package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// SignatureSize secp256k1签名的长度 (R || S)
const SignatureSize = 64

// Signature 对区块hash的签名，长度固定为SignatureSize
type Signature = tmbytes.HexBytes

// ValidateSignature 只检查签名的格式，不做密码学验证
func ValidateSignature(sig Signature) error {
	if len(sig) == 0 {
		return errors.New("signature is missing")
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("signature is the wrong size: expected %d, got %d", SignatureSize, len(sig))
	}
	return nil
}

// Vote - 某个验证者对一个区块的背书，一个验证者对同一个区块只能有一种签名
type Vote struct {
	BlockID          Digest    `json:"block_id"`
	ValidatorAddress Address   `json:"validator_address"`
	Signature        Signature `json:"signature"`
}

func NewVote(blockID Digest, addr Address, sig Signature) *Vote {
	return &Vote{
		BlockID:          blockID,
		ValidatorAddress: addr,
		Signature:        sig,
	}
}

// ValidateBasic performs basic validation.
func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return errors.New("nil vote")
	}
	if vote.BlockID.IsZero() {
		return errors.New("vote has no block id")
	}
	if vote.ValidatorAddress.IsZero() {
		return errors.New("vote has no validator address")
	}
	return ValidateSignature(vote.Signature)
}

// VoteSignBytes returns the bytes a validator signs when voting for blockID.
func VoteSignBytes(chainID string, blockID Digest) []byte {
	bz := make([]byte, 0, len(chainID)+DigestSize)
	bz = append(bz, chainID...)
	return append(bz, blockID[:]...)
}

func (vote *Vote) Equal(other *Vote) bool {
	if vote == nil || other == nil {
		return vote == other
	}
	return vote.BlockID == other.BlockID &&
		vote.ValidatorAddress == other.ValidatorAddress &&
		vote.Signature.String() == other.Signature.String()
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%v %X by %v}", vote.BlockID, []byte(vote.Signature), vote.ValidatorAddress)
}
