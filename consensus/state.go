package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	cstype "treegraph_bft/consensus/types"
	"treegraph_bft/libs/metric"
	"treegraph_bft/state"
	"treegraph_bft/types"
)

const msgQueueSize = 1000

// 共识状态机实现
// 每个高度由一个leader提案，其余节点执行区块后对区块投票
// 下一个高度的leader收集到quorum后finalize投票，放进新区块
type ConsensusState struct {
	service.BaseService

	config *Config

	// 区块执行器
	blockExec state.BlockExecutor

	// 验证者集合的来源，投票和提案都要按区块查询
	provider types.ValidatorSetProvider

	// 共识内部状态
	mtx sync.Mutex
	cstype.RoundState
	state          state.State // 最后一个区块提交后的系统状态
	proposedHeight int64       // 本节点最后一次提案的高度

	// 通信管道
	peerMsgQueue     chan msgInfo       // 处理来自其他节点的提案
	internalMsgQueue chan msgInfo       // 内部消息流通的chan，主要是内部的投票、提案
	eventSwitch      events.EventSwitch // consensus和reactor之间通信的组件 - 事件模型

	// 方便测试重写逻辑
	decideProposal func(height int64, lastVotes *types.VoteMap) // 生成提案的函数
	setProposal    func(proposal *types.Proposal) error        // 校验并提交提案

	// 打包交易，默认不打包
	txSource func() types.Txs

	// 高度超过当前高度的提案，等区块追上以后再处理
	futureProposals map[int64]*types.Proposal

	// 投给还没有提交的区块的票
	pendingMtx   sync.Mutex
	pendingVotes map[types.Digest][]*types.Vote
	pendingCount int

	metric *consensusMetric
}

type ConsensusOption func(*ConsensusState)

// SetValidator 设置本节点的私钥，不设置则只跟随共识不投票
func SetValidator(privVal types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.PrivVal = privVal
	}
}

// SetTxSource 设置提案时打包交易的来源
func SetTxSource(fn func() types.Txs) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.txSource = fn
	}
}

func NewConsensusState(
	config *Config,
	blockExec state.BlockExecutor,
	provider types.ValidatorSetProvider,
	state state.State,
	options ...ConsensusOption,
) (*ConsensusState, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	votes, err := cstype.NewVoteStore(state.ChainID, provider, &config.VoteStoreConfig)
	if err != nil {
		return nil, err
	}

	cs := &ConsensusState{
		config:    config,
		blockExec: blockExec,
		provider:  provider,
		RoundState: cstype.RoundState{
			Step:     cstype.RoundStepWait,
			ValIndex: -1,
			Votes:    votes,
		},
		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		eventSwitch:      events.NewEventSwitch(),
		txSource:         func() types.Txs { return nil },
		futureProposals:  make(map[int64]*types.Proposal),
		pendingVotes:     make(map[types.Digest][]*types.Vote),
		metric:           newConsensusMetric(),
	}
	cs.decideProposal = cs.defaultProposal
	cs.setProposal = cs.defaultSetProposal
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	cs.updateToState(state)

	return cs, nil
}

var _ service.Service = (*ConsensusState)(nil)

// String 返回服务名，RoundState.String只用于打印共识状态
func (cs *ConsensusState) String() string {
	return cs.BaseService.String()
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.Votes.SetLogger(logger.With("module", "votes"))
	cs.eventSwitch.SetLogger(logger)
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	go cs.receiveRoutine()

	// 第一个区块或者重启后，可能轮到本节点提案
	cs.sendInternalMessage(msgInfo{&tryProposeMessage{}, ""})
	cs.Logger.Info("consensus receive routine started.", "height", cs.GetRoundState().Height)
	return nil
}

func (cs *ConsensusState) OnStop() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	cs.Logger.Info("consensus server stopped.")
}

// receiveRoutine负责接收所有的消息
// 所有修改共识状态的操作都在这个协程里串行执行
func (cs *ConsensusState) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Debug("receiveRoutine quit.")
			return

		case mi := <-cs.peerMsgQueue:
			// 接收到其他节点的提案
			cs.handleMsg(mi)

		case mi := <-cs.internalMsgQueue:
			// 收到内部生成的投票or提案
			cs.handleMsg(mi)
		}
	}
}

// handleMsg 根据不同的消息类型进行操作
func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	msg, peerID := mi.Msg, mi.PeerID
	if err := msg.ValidateBasic(); err != nil {
		cs.Logger.Error("receive invalid message", "peer", peerID, "msg", msg, "err", err)
		return
	}

	switch msg := msg.(type) {
	case *ProposalMessage:
		if err := cs.setProposal(msg.Proposal); err != nil {
			cs.Logger.Info("set proposal failed.", "peer", peerID, "proposal", msg.Proposal.Block, "err", err)
			return
		}

	case *VoteMessage:
		// 本节点自己的投票
		if _, err := cs.TryAddVote(msg.Vote, peerID); err != nil {
			cs.Logger.Error("add own vote failed.", "vote", msg.Vote, "err", err)
		}

	case *tryProposeMessage:
		cs.tryPropose()

	default:
		cs.Logger.Error("unknown msg type", "type", fmt.Sprintf("%T", msg))
	}
}

// defaultSetProposal 收到某个高度leader发布的区块，验证提案后执行区块
func (cs *ConsensusState) defaultSetProposal(proposal *types.Proposal) error {
	block := proposal.Block
	height := cs.state.NextHeight()

	switch {
	case block.Height < height:
		return fmt.Errorf("stale proposal at height %d, current height %d", block.Height, height)
	case block.Height > height:
		return cs.tryAddFutureProposal(proposal)
	}

	// 验证提案人是否正确
	proposer := cs.Validators.GetProposer(types.LTime(block.Height))
	if block.ProposerAddress != proposer.Address {
		return fmt.Errorf("%v is not the leader of height %d, expected %v",
			block.ProposerAddress, block.Height, proposer.Address)
	}

	// 验证提案的签名
	if !proposer.PubKey.VerifySignature(types.ProposalSignBytes(cs.state.ChainID, proposal), proposal.Signature) {
		return errors.New("verifying proposal signature failed")
	}

	votes, err := cs.verifyLastVotes(block)
	if err != nil {
		return err
	}

	cs.Proposal = proposal
	cs.metric.MarkProposal(block.ProposerAddress)

	// 接受提案 然后触发事件通知reactor转发
	cs.eventSwitch.FireEvent(EventNewProposal, proposal)

	return cs.commitBlock(block, votes)
}

// verifyLastVotes 检查区块携带的上一个区块的投票
func (cs *ConsensusState) verifyLastVotes(block *types.Block) (*types.VoteMap, error) {
	if block.Height == 1 {
		if len(block.LastVotes) != 0 {
			return nil, errors.New("first block must not carry votes")
		}
		return types.NewVoteMap(), nil
	}

	vals, err := cs.provider.ValidatorsAt(block.LastBlockID)
	if err != nil {
		return nil, err
	}
	votes, err := cstype.VerifyVoteSet(cs.state.ChainID, block.LastBlockID, vals, block.LastVotes, &cs.config.VoteStoreConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid last votes: %w", err)
	}
	return votes, nil
}

// commitBlock 执行区块并更新共识状态，然后为新区块投票
func (cs *ConsensusState) commitBlock(block *types.Block, votes *types.VoteMap) error {
	cs.updateStep(cstype.RoundStepApply)

	newState, err := cs.blockExec.ApplyBlock(cs.state, block, votes)
	if err != nil {
		cs.updateStep(cstype.RoundStepWait)
		return err
	}

	parent := cs.state.LastBlockID
	cs.updateToState(newState)

	// 父区块的投票已经写进区块，不再接受
	cs.Votes.Discard(parent)
	cs.metric.MarkCommit(newState.LastHeight, newState.LastBlockID)

	cs.Logger.Info("committed block", "height", newState.LastHeight, "block", newState.LastBlockID,
		"votes", votes.Len(), "txs", len(block.Txs))

	cs.updateStep(cstype.RoundStepVote)
	cs.signVote(newState.LastBlockID)
	cs.replayPendingVotes(newState.LastBlockID)
	cs.triggerFutureProposal(newState.NextHeight())
	cs.sendInternalMessage(msgInfo{&tryProposeMessage{BlockID: newState.LastBlockID}, ""})

	return nil
}

func (cs *ConsensusState) updateToState(s state.State) {
	cs.state = s
	cs.Height = types.LTime(s.NextHeight())
	cs.LastBlockID = s.LastBlockID
	cs.Validators = s.Validators
	cs.Proposal = nil

	cs.ValIndex = -1
	if cs.PrivVal != nil && s.Validators != nil {
		pub, err := cs.PrivVal.GetPubKey()
		if err == nil {
			cs.ValIndex, _ = s.Validators.GetByAddress(types.GetAddress(pub))
		}
	}
}

// tryPropose 如果本节点是下一个高度的leader，并且父区块已经拿到quorum，就生成提案
func (cs *ConsensusState) tryPropose() {
	height := cs.state.NextHeight()
	if cs.proposedHeight >= height || !cs.isProposer(height) {
		return
	}

	var lastVotes *types.VoteMap
	if height == 1 {
		lastVotes = types.NewVoteMap()
	} else {
		votes, err := cs.Votes.Finalize(cs.state.LastBlockID)
		switch {
		case errors.Is(err, cstype.ErrQuorumNotReached):
			cs.Logger.Debug("waiting for quorum", "height", height, "err", err)
			return
		case err != nil:
			cs.Logger.Error("finalize votes failed", "block", cs.state.LastBlockID, "err", err)
			return
		}
		lastVotes = votes
	}

	cs.Logger.Info("I'm leader, prepare to propose.", "height", height, "votes", lastVotes.Len())
	cs.proposedHeight = height
	cs.updateStep(cstype.RoundStepPropose)
	cs.decideProposal(height, lastVotes)
}

// 判断这个节点是不是height的leader
func (cs *ConsensusState) isProposer(height int64) bool {
	if cs.ValIndex < 0 || cs.Validators.IsNilOrEmpty() {
		return false
	}
	_, val := cs.Validators.GetByIndex(cs.ValIndex)
	return val != nil && cs.Validators.GetProposer(types.LTime(height)).Address == val.Address
}

// defaultProposal 默认生成提案的函数
func (cs *ConsensusState) defaultProposal(height int64, lastVotes *types.VoteMap) {
	_, val := cs.Validators.GetByIndex(cs.ValIndex)
	proposal := cs.blockExec.CreateProposal(cs.state, val.Address, lastVotes, cs.txSource())

	if err := cs.PrivVal.SignProposal(cs.state.ChainID, proposal); err != nil {
		cs.Logger.Error("sign proposal failed", "height", height, "err", err)
		return
	}
	cs.Logger.Debug("got proposal", "proposal", proposal.Block)

	// 通过内部chan传递到defaultSetProposal函数统一处理
	mi := msgInfo{&ProposalMessage{Proposal: proposal}, ""}
	if cs.config.ProposeDelay > 0 {
		time.AfterFunc(cs.config.ProposeDelay, func() { cs.sendInternalMessage(mi) })
		return
	}
	cs.sendInternalMessage(mi)
}

// signVote 为刚提交的区块投票，通过内部chan记录并广播
func (cs *ConsensusState) signVote(blockID types.Digest) {
	if cs.PrivVal == nil || cs.ValIndex < 0 {
		return
	}
	_, val := cs.Validators.GetByIndex(cs.ValIndex)

	vote := types.NewVote(blockID, val.Address, nil)
	if err := cs.PrivVal.SignVote(cs.state.ChainID, vote); err != nil {
		cs.Logger.Error("sign vote failed.", "err", err)
		return
	}
	cs.sendInternalMessage(msgInfo{&VoteMessage{Vote: vote}, ""})
}

// TryAddVote 收到投票后尝试记录到VoteStore
// 如果返回(true,nil)则添加成功；(false,nil)说明投票已经添加过了，或者区块还未知被暂存；否则投票本身有问题
// 可以被多个协程同时调用，不需要持有cs.mtx
func (cs *ConsensusState) TryAddVote(vote *types.Vote, peerID p2p.ID) (bool, error) {
	if err := vote.ValidateBasic(); err != nil {
		cs.metric.MarkRejectedVote()
		return false, err
	}

	added, err := cs.Votes.RecordVote(vote)
	if errors.Is(err, types.ErrUnknownBlock) {
		// 区块还没有提交，先缓存
		if cs.addPendingVote(vote) {
			return false, nil
		}
		// 缓存之前区块已经提交了
		return cs.TryAddVote(vote, peerID)
	}
	if err != nil {
		cs.markVoteError(err, peerID)
		if errors.Is(err, cstype.ErrVoteForClosedBlock) {
			return false, nil
		}
		return false, err
	}
	if !added {
		return false, nil
	}

	cs.metric.MarkVote()
	cs.eventSwitch.FireEvent(EventNewVote, vote)

	if cs.Votes.HasQuorum(vote.BlockID) {
		cs.sendInternalMessage(msgInfo{&tryProposeMessage{BlockID: vote.BlockID}, ""})
	}
	return true, nil
}

// markVoteError 按错误类型记录被拒绝的投票
func (cs *ConsensusState) markVoteError(err error, peerID p2p.ID) {
	switch {
	case errors.Is(err, cstype.ErrVoteForClosedBlock):
	case errors.Is(err, cstype.ErrDuplicateVote):
		cs.metric.MarkConflictingVote()
		cs.Logger.Error("conflicting vote", "peer", peerID, "err", err)
	default:
		cs.metric.MarkRejectedVote()
	}
}

// addPendingVote 缓存投给未知区块的投票
// 返回false说明区块在这期间已经提交，投票没有被缓存
func (cs *ConsensusState) addPendingVote(vote *types.Vote) bool {
	cs.pendingMtx.Lock()
	defer cs.pendingMtx.Unlock()

	// 区块的验证者集合先落盘，之后replayPendingVotes才会取缓存
	// 所以在锁内还查不到的区块，它的投票一定会被重放
	if _, err := cs.provider.ValidatorsAt(vote.BlockID); err == nil {
		return false
	}

	if cs.pendingCount >= cs.config.MaxPendingVotes {
		// 缓存满了说明有大量无法提交的区块，全部丢弃
		cs.Logger.Info("pending votes overflow, dropping", "count", cs.pendingCount)
		cs.pendingVotes = make(map[types.Digest][]*types.Vote)
		cs.pendingCount = 0
		if cs.config.MaxPendingVotes == 0 {
			return true
		}
	}
	cs.pendingVotes[vote.BlockID] = append(cs.pendingVotes[vote.BlockID], vote)
	cs.pendingCount++
	return true
}

// replayPendingVotes 区块提交后，并行验证并记录之前缓存的投票
func (cs *ConsensusState) replayPendingVotes(blockID types.Digest) {
	cs.pendingMtx.Lock()
	votes := cs.pendingVotes[blockID]
	delete(cs.pendingVotes, blockID)
	cs.pendingCount -= len(votes)
	cs.pendingMtx.Unlock()

	if len(votes) == 0 {
		return
	}
	recorded, err := cs.Votes.RecordVotes(votes)
	if merr, ok := err.(*multierror.Error); ok {
		for _, e := range merr.Errors {
			cs.markVoteError(e, "")
		}
		cs.Logger.Debug("replay pending votes failed", "block", blockID, "err", err)
	}
	for _, vote := range recorded {
		cs.metric.MarkVote()
		cs.eventSwitch.FireEvent(EventNewVote, vote)
	}
	cs.Logger.Debug("replayed pending votes", "block", blockID, "pending", len(votes), "recorded", len(recorded))

	if len(recorded) > 0 && cs.Votes.HasQuorum(blockID) {
		cs.sendInternalMessage(msgInfo{&tryProposeMessage{BlockID: blockID}, ""})
	}
}

func (cs *ConsensusState) tryAddFutureProposal(proposal *types.Proposal) error {
	height := proposal.Block.Height
	if len(cs.futureProposals) >= cs.config.MaxFutureBlocks {
		return fmt.Errorf("too many future proposals, drop height %d", height)
	}
	if _, exist := cs.futureProposals[height]; exist {
		return fmt.Errorf("future proposal at height %d already exists", height)
	}
	cs.futureProposals[height] = proposal
	cs.Logger.Debug("receive future proposal, caching it", "height", height, "current", cs.state.NextHeight())
	return nil
}

func (cs *ConsensusState) triggerFutureProposal(height int64) {
	for h := range cs.futureProposals {
		if h < height {
			delete(cs.futureProposals, h)
		}
	}
	proposal, exist := cs.futureProposals[height]
	if !exist {
		return
	}
	delete(cs.futureProposals, height)
	cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
}

func (cs *ConsensusState) updateStep(step cstype.RoundStepType) {
	cs.Step = step
	cs.metric.MarkStep(step)
}

// GetRoundState 返回共识状态的快照
func (cs *ConsensusState) GetRoundState() cstype.RoundStateSummary {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.RoundState.Summary()
}

// GetState 返回最后一个区块提交后的状态
func (cs *ConsensusState) GetState() state.State {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.state.Copy()
}

// VoteStatus 查询某个区块的投票情况
func (cs *ConsensusState) VoteStatus(blockID types.Digest) *VoteStatus {
	got, needed := cs.Votes.VotingPower(blockID)
	return &VoteStatus{
		BlockID:   blockID,
		Power:     got,
		Needed:    needed,
		HasQuorum: cs.Votes.HasQuorum(blockID),
		Closed:    cs.Votes.IsClosed(blockID),
		Votes:     cs.Votes.Votes(blockID),
	}
}

// Metric 返回共识模块的运行指标
func (cs *ConsensusState) Metric() metric.MetricItem {
	return cs.metric
}

// VoteStatus 一个区块的投票统计
type VoteStatus struct {
	BlockID   types.Digest   `json:"block_id"`
	Power     int64          `json:"power"`
	Needed    int64          `json:"needed"`
	HasQuorum bool           `json:"has_quorum"`
	Closed    bool           `json:"closed"`
	Votes     *types.VoteMap `json:"votes"`
}

// send a msg into the receiveRoutine regarding our own proposal or vote
// 直接写可能会因为receiveRoutine blocked从而导致本协程block
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our votes can
		// be processed out of order.
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			select {
			case cs.internalMsgQueue <- mi:
			case <-cs.Quit():
			}
		}()
	}
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

// tryProposeMessage 某个区块可能已经达到quorum，检查是否需要提案
type tryProposeMessage struct {
	BlockID types.Digest
}

func (msg *tryProposeMessage) ValidateBasic() error { return nil }

func (msg *tryProposeMessage) String() string {
	return fmt.Sprintf("[TryPropose %v]", msg.BlockID)
}
