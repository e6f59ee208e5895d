package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// local blockchain维护的区块的基本单位
type Block struct {
	Header `json:"header"`
	Data   `json:"data"`

	// 上一个区块finalize得到的投票集合，按照Address升序排列
	// 每个节点都用区块里携带的这份集合构造BlockMetadata，保证执行结果一致
	LastVotes []VoteEntry `json:"last_votes"`
}

// 检验一个block是否合法 - 这里的合法指的是没有明确的错误
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.ChainID == "" {
		return errors.New("block has no chain id")
	}
	if b.Height <= 0 {
		return fmt.Errorf("block has non-positive height %d", b.Height)
	}
	if b.LastBlockID.IsZero() {
		return errors.New("block has no last block id")
	}
	if b.ProposerAddress.IsZero() {
		return errors.New("block has no proposer")
	}
	if b.TxsHash != nil && !bytes.Equal(b.TxsHash, b.Data.Hash()) {
		return errors.New("wrong txs hash")
	}
	if b.LastVotesHash != nil && !bytes.Equal(b.LastVotesHash, lastVotesHash(b.LastVotes)) {
		return errors.New("wrong last votes hash")
	}
	for i, v := range b.LastVotes {
		if err := ValidateSignature(v.Signature); err != nil {
			return fmt.Errorf("last vote #%d: %w", i, err)
		}
		if i > 0 && !b.LastVotes[i-1].Address.Less(v.Address) {
			return fmt.Errorf("last votes are not sorted by address at #%d", i)
		}
	}
	return nil
}

// 填补各种hash value
func (b *Block) fillHeader() {
	if b.TxsHash == nil {
		b.TxsHash = b.Data.Hash()
	}
	if b.LastVotesHash == nil {
		b.LastVotesHash = lastVotesHash(b.LastVotes)
	}
}

// Hash returns the block id. It fills the derived header fields first.
func (b *Block) Hash() Digest {
	b.fillHeader()
	return b.Header.Hash()
}

func lastVotesHash(votes []VoteEntry) []byte {
	bzs := make([][]byte, len(votes))
	for i, v := range votes {
		bzs[i] = append(v.Address.Bytes(), v.Signature...)
	}
	return merkle.HashFromByteSlices(bzs)
}

type Header struct {
	// 基本的区块信息
	ChainID       string `json:"chain_id"`
	Height        int64  `json:"height"`
	TimestampUsec uint64 `json:"timestamp_usec"` // proposer指定的时间，微秒，链上单调不减

	// 数据hash
	LastBlockID     Digest           `json:"last_block_id"`    // 上一个区块
	TxsHash         tmbytes.HexBytes `json:"txs_hash"`         // transactions
	LastVotesHash   tmbytes.HexBytes `json:"last_votes_hash"`  // 上一个区块的投票
	ValidatorsHash  tmbytes.HexBytes `json:"validators_hash"`  // 提交当前区块时，共识组内的所有验证者的hash
	ProposerAddress Address          `json:"proposer_address"` // 提案者地址
}

func (h *Header) Hash() Digest {
	heightBz := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBz, uint64(h.Height))
	tsBz := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBz, h.TimestampUsec)

	root := merkle.HashFromByteSlices([][]byte{
		[]byte(h.ChainID),
		heightBz,
		tsBz,
		h.LastBlockID.Bytes(),
		h.TxsHash,
		h.LastVotesHash,
		h.ValidatorsHash,
		h.ProposerAddress.Bytes(),
	})
	d, _ := DigestFromBytes(root)
	return d
}

type Data struct {
	Txs Txs `json:"txs"` // transcations
}

func (d *Data) Hash() tmbytes.HexBytes {
	if d == nil {
		return (Txs{}).Hash()
	}
	return d.Txs.Hash()
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d %v txs:%d votes:%d proposer:%v}",
		b.Height, b.Hash(), len(b.Txs), len(b.LastVotes), b.ProposerAddress)
}
