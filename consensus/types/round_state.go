package types

import (
	"fmt"

	"treegraph_bft/types"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

// RoundStepType
const (
	RoundStepWait    = RoundStepType(0x01) // 等待当前高度的提案
	RoundStepApply   = RoundStepType(0x02) // 收到提案，正在执行区块
	RoundStepVote    = RoundStepType(0x03) // 区块已提交，等待下一个区块达到quorum
	RoundStepPropose = RoundStepType(0x04) // 本节点是下一个leader，正在生成提案
)

func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepWait:
		return "RoundStepWait"
	case RoundStepApply:
		return "RoundStepApply"
	case RoundStepVote:
		return "RoundStepVote"
	case RoundStepPropose:
		return "RoundStepPropose"
	default:
		return "RoundStepUnknown"
	}
}

// definitions of consensus state machine
type RoundState struct {
	// 基础的共识信息
	Height     types.LTime         // 下一个待提交区块的高度
	Step       RoundStepType       //
	PrivVal    types.PrivValidator // 验证者的信息 - 私钥，用来签名
	ValIndex   int32               // 本节点在验证者集合中的位置，-1表示不是验证者
	Validators *types.ValidatorSet // 当前高度的验证者集合

	Proposal *types.Proposal // 这一轮收到的合法提案
	Votes    *VoteStore      // 所有区块的投票集合

	LastBlockID types.Digest // 最后一个已提交区块
}

// RoundStateSummary 用于rpc输出
type RoundStateSummary struct {
	Height      int64        `json:"height"`
	Step        string       `json:"step"`
	LastBlockID types.Digest `json:"last_block_id"`
	OpenBlocks  int          `json:"open_blocks"`
}

func (rs *RoundState) Summary() RoundStateSummary {
	open := 0
	if rs.Votes != nil {
		open = rs.Votes.Size()
	}
	return RoundStateSummary{
		Height:      rs.Height.Int64(),
		Step:        rs.Step.String(),
		LastBlockID: rs.LastBlockID,
		OpenBlocks:  open,
	}
}

func (rs *RoundState) String() string {
	return fmt.Sprintf("RoundState{H:%v %v last:%v}", rs.Height, rs.Step, rs.LastBlockID)
}
