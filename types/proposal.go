package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Proposal 某一轮leader发布的提案
type Proposal struct {
	Block     *Block           `json:"block"`
	Signature tmbytes.HexBytes `json:"signature"`
}

func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return errors.New("nil proposal")
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	if len(p.Signature) == 0 {
		return errors.New("proposal has no signature")
	}
	return nil
}

// ProposalSignBytes returns the bytes the proposer signs: chainID || block id.
func ProposalSignBytes(chainID string, proposal *Proposal) []byte {
	id := proposal.Block.Hash()
	bz := make([]byte, 0, len(chainID)+DigestSize)
	bz = append(bz, chainID...)
	return append(bz, id[:]...)
}
