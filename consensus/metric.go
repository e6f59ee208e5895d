package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	tmtime "github.com/tendermint/tendermint/types/time"

	cstype "treegraph_bft/consensus/types"
	"treegraph_bft/types"
)

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		RoundStatus: cstype.RoundStepWait.String(),
	}
}

// consensusMetric 通过rpc的metrics接口输出
// 投票相关的计数会被多个reactor协程同时修改
type consensusMetric struct {
	mtx sync.Mutex

	Height         int64        `json:"height"`
	LastBlockID    types.Digest `json:"last_block_id"`
	LastCommitTime time.Time    `json:"last_commit_time"`
	RoundStatus    string       `json:"current_round_status"`

	ProposerAddress types.Address `json:"proposer_address"`

	RecordedVotes    int64 `json:"recorded_votes"`
	RejectedVotes    int64 `json:"rejected_votes"`
	ConflictingVotes int64 `json:"conflicting_votes"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkCommit(height int64, blockID types.Digest) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Height = height
	cm.LastBlockID = blockID
	cm.LastCommitTime = tmtime.Now()
}

func (cm *consensusMetric) MarkStep(step cstype.RoundStepType) {
	cm.mtx.Lock()
	cm.RoundStatus = step.String()
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkProposal(proposer types.Address) {
	cm.mtx.Lock()
	cm.ProposerAddress = proposer
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkVote() {
	cm.mtx.Lock()
	cm.RecordedVotes++
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkRejectedVote() {
	cm.mtx.Lock()
	cm.RejectedVotes++
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkConflictingVote() {
	cm.mtx.Lock()
	cm.ConflictingVotes++
	cm.mtx.Unlock()
}
