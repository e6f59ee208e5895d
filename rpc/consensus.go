package rpc

import (
	"fmt"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstypes "treegraph_bft/consensus/types"
	"treegraph_bft/types"
)

type ResultStatus struct {
	Round      cstypes.RoundStateSummary `json:"round"`
	ChainID    string                    `json:"chain_id"`
	Validators *types.ValidatorSet       `json:"validators"`
}

// ResultVoteStatus 一个区块当前的投票情况，entries按地址升序
type ResultVoteStatus struct {
	BlockID   types.Digest      `json:"block_id"`
	Power     int64             `json:"power"`
	Needed    int64             `json:"needed"`
	HasQuorum bool              `json:"has_quorum"`
	Closed    bool              `json:"closed"`
	Votes     []types.VoteEntry `json:"votes"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	st := env.Consensus.GetState()
	return &ResultStatus{
		Round:      env.Consensus.GetRoundState(),
		ChainID:    st.ChainID,
		Validators: st.Validators,
	}, nil
}

func VoteStatus(ctx *rpctypes.Context, blockID string) (*ResultVoteStatus, error) {
	id, err := types.DigestFromHex(blockID)
	if err != nil {
		return nil, fmt.Errorf("invalid block_id: %w", err)
	}
	status := env.Consensus.VoteStatus(id)
	return &ResultVoteStatus{
		BlockID:   status.BlockID,
		Power:     status.Power,
		Needed:    status.Needed,
		HasQuorum: status.HasQuorum,
		Closed:    status.Closed,
		Votes:     status.Votes.Entries(),
	}, nil
}
