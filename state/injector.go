package state

import (
	"errors"
	"fmt"

	"treegraph_bft/encoding"
	"treegraph_bft/types"
)

// SystemAddress 系统交易的发送者，全零地址，不会是任何验证者或者用户的地址
var SystemAddress = types.ZeroAddress

// MetadataTx 每个区块第一笔执行的系统交易，由验证者在本地构造，不经过网络
type MetadataTx struct {
	Sender types.Address `json:"sender"`

	// 四个参数：区块id、时间戳、编码后的vote map、proposer
	ID            []byte        `json:"id"`
	TimestampUsec uint64        `json:"timestamp_usec"`
	VoteMap       []byte        `json:"vote_map"`
	Proposer      types.Address `json:"proposer"`
}

func NewMetadataTx(em *encoding.EncodedMetadata) *MetadataTx {
	return &MetadataTx{
		Sender:        SystemAddress,
		ID:            em.ID,
		TimestampUsec: em.TimestampUsec,
		VoteMap:       em.VoteMap,
		Proposer:      em.Proposer,
	}
}

// ValidateBasic 执行层只接受来自SystemAddress的metadata交易
func (tx *MetadataTx) ValidateBasic() error {
	if tx == nil {
		return errors.New("nil metadata tx")
	}
	if tx.Sender != SystemAddress {
		return fmt.Errorf("metadata tx sent by %v, only the system address may send it", tx.Sender)
	}
	if len(tx.ID) != types.DigestSize {
		return fmt.Errorf("metadata tx has a %d byte id", len(tx.ID))
	}
	if tx.Proposer.IsZero() {
		return errors.New("metadata tx has no proposer")
	}
	return nil
}

func (tx *MetadataTx) String() string {
	return fmt.Sprintf("MetadataTx{%X ts:%d votemap:%dB proposer:%v}", tx.ID, tx.TimestampUsec, len(tx.VoteMap), tx.Proposer)
}

// InjectMetadata builds, encodes and wraps the metadata of block into the
// system transaction. votes is the finalized vote set of the parent block.
func InjectMetadata(builder *MetadataBuilder, block *types.Block, votes *types.VoteMap) (*MetadataTx, error) {
	md, err := builder.Build(block.Hash(), block.TimestampUsec, votes, block.ProposerAddress)
	if err != nil {
		return nil, err
	}
	em, err := encoding.EncodeMetadata(md)
	if err != nil {
		return nil, err
	}
	return NewMetadataTx(em), nil
}
