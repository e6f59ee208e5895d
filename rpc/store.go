package rpc

import (
	"errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"treegraph_bft/encoding"
	"treegraph_bft/store"
	"treegraph_bft/types"
)

// ResultBlockMetadata 某个高度的metadata交易参数，以及解码后的投票
type ResultBlockMetadata struct {
	Height        int64             `json:"height"`
	ID            tmbytes.HexBytes  `json:"id"`
	TimestampUsec uint64            `json:"timestamp_usec"`
	Proposer      types.Address     `json:"proposer"`
	Votes         []types.VoteEntry `json:"votes"`

	// 规范编码 id ‖ timestamp ‖ vote map ‖ proposer
	Encoded tmbytes.HexBytes `json:"encoded"`
}

type ResultQuery struct {
	Key   string           `json:"key"`
	Value tmbytes.HexBytes `json:"value"`
}

func BlockMetadata(ctx *rpctypes.Context, height int64) (*ResultBlockMetadata, error) {
	record, err := env.Store.MetadataRecord(height)
	if err != nil {
		return nil, err
	}
	em, err := record.Encoded()
	if err != nil {
		return nil, err
	}
	votes, err := encoding.DecodeVoteMap(record.VoteMap)
	if err != nil {
		return nil, err
	}
	return &ResultBlockMetadata{
		Height:        record.Height,
		ID:            record.ID,
		TimestampUsec: record.TimestampUsec,
		Proposer:      em.Proposer,
		Votes:         votes.Entries(),
		Encoded:       em.Bytes(),
	}, nil
}

func MetadataResource(ctx *rpctypes.Context) (*store.MetadataResource, error) {
	res, err := env.Store.MetadataResource()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("no block committed yet")
	}
	return res, nil
}

func Query(ctx *rpctypes.Context, key string) (*ResultQuery, error) {
	v, err := env.Store.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return &ResultQuery{Key: key, Value: v}, nil
}
