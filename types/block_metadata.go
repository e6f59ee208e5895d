package types

import (
	"encoding/json"
	"fmt"
)

// BlockMetadata 每个提交区块的共识信息，会作为一笔系统交易交给执行层
//
// 流程：
//  1. executor在提交区块时把BlockMetadata交给VM
//  2. VM用它构造一笔特殊的系统交易，修改链上记录当前区块信息的resource。
//     这笔交易普通用户无法发出，由每个验证者在本地生成，并且先于区块内所有用户交易执行
//  3. 之后的用户交易可以读取这个resource，得到当前的proposer等共识信息
//
// BlockMetadata构造后不可修改，所有字段只能通过访问函数读取
type BlockMetadata struct {
	id            Digest
	timestampUsec uint64
	// 执行层不支持map，vote map会以有序的(key, value)序列保存，
	// 所以这里必须用有序结构来确定顺序
	previousBlockVotes *VoteMap
	proposer           Address
}

// NewBlockMetadata constructs the metadata without validating it against any
// validator set, see state.MetadataBuilder for the checked constructor.
// votes is copied, later writes to it do not affect the metadata.
func NewBlockMetadata(id Digest, timestampUsec uint64, votes *VoteMap, proposer Address) *BlockMetadata {
	return &BlockMetadata{
		id:                 id,
		timestampUsec:      timestampUsec,
		previousBlockVotes: votes.Copy(),
		proposer:           proposer,
	}
}

func (m *BlockMetadata) ID() Digest {
	return m.id
}

func (m *BlockMetadata) TimestampUsec() uint64 {
	return m.timestampUsec
}

// PreviousBlockVotes returns a copy of the vote set of the parent block.
func (m *BlockMetadata) PreviousBlockVotes() *VoteMap {
	return m.previousBlockVotes.Copy()
}

// VoteCount returns the number of parent votes without copying them.
func (m *BlockMetadata) VoteCount() int {
	return m.previousBlockVotes.Len()
}

// IterateVotes walks the parent votes in ascending address order.
func (m *BlockMetadata) IterateVotes(fn func(addr Address, sig Signature) (stop bool)) {
	m.previousBlockVotes.Iterate(fn)
}

func (m *BlockMetadata) Proposer() Address {
	return m.proposer
}

func (m *BlockMetadata) Equal(other *BlockMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.id == other.id &&
		m.timestampUsec == other.timestampUsec &&
		m.proposer == other.proposer &&
		m.previousBlockVotes.Equal(other.previousBlockVotes)
}

type blockMetadataJSON struct {
	ID                 Digest      `json:"id"`
	TimestampUsec      uint64      `json:"timestamp_usec"`
	PreviousBlockVotes []VoteEntry `json:"previous_block_votes"`
	Proposer           Address     `json:"proposer"`
}

func (m *BlockMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockMetadataJSON{
		ID:                 m.id,
		TimestampUsec:      m.timestampUsec,
		PreviousBlockVotes: m.previousBlockVotes.Entries(),
		Proposer:           m.proposer,
	})
}

func (m *BlockMetadata) UnmarshalJSON(data []byte) error {
	var raw blockMetadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	votes, err := VoteMapFromEntries(raw.PreviousBlockVotes)
	if err != nil {
		return err
	}
	*m = BlockMetadata{
		id:                 raw.ID,
		timestampUsec:      raw.TimestampUsec,
		previousBlockVotes: votes,
		proposer:           raw.Proposer,
	}
	return nil
}

func (m *BlockMetadata) String() string {
	if m == nil {
		return "nil-BlockMetadata"
	}
	return fmt.Sprintf("BlockMetadata{%v ts:%d votes:%d proposer:%v}",
		m.id, m.timestampUsec, m.previousBlockVotes.Len(), m.proposer)
}
