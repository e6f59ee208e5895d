package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"treegraph_bft/types"
)

const (
	ProposalChannel = byte(0x21)
	VoteChannel     = byte(0x22)

	maxMsgSize = 1048576 // 1MB
)

// ------ Event ------
// reactor监听的consensus广播事件
const (
	EventNewProposal = "NewProposal"
	EventNewVote     = "NewVote"

	subscriber = "consensus-reactor"
)

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

// ------- Reactor ------
// Reactor 负责在节点之间转发提案和投票
// 提案进入共识状态机的队列串行处理；投票直接交给VoteStore，可以并发记录
type Reactor struct {
	p2p.BaseReactor

	peers *cmap.CMap

	consensus *ConsensusState
}

type ReactorOption func(*Reactor)

func NewReactor(consensus *ConsensusState, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		peers:     cmap.NewCMap(),
		consensus: consensus,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}

	return conR
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	conR.Logger.Info("Consensus Reactor started.")
	return nil
}

func (conR *Reactor) OnStop() {
	conR.consensus.eventSwitch.RemoveListener(subscriber)
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ProposalChannel,
			Priority:            8,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  maxMsgSize,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  VoteChannel,
			Priority:            7,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  100 * 100,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(string(peer.ID()), peer)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	// 各自解析数据
	switch chID {
	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "err", err, "src", src)
			conR.Switch.StopPeerForError(src, err)
			return
		}

		// 投票在当前协程里直接记录
		if _, err := conR.consensus.TryAddVote(&vote, src.ID()); err != nil {
			conR.Logger.Debug("add vote failed", "src", src.ID(), "vote", &vote, "err", err)
		}

	case ProposalChannel:
		var proposal types.Proposal
		if err := tmjson.Unmarshal(msgBytes, &proposal); err != nil {
			conR.Logger.Error("try to unmarshal proposal failed", "err", err, "src", src)
			conR.Switch.StopPeerForError(src, err)
			return
		}

		conR.Logger.Debug(fmt.Sprintf("Receive proposal from #{%v}", src.ID()), "proposal", proposal.Block)
		select {
		case conR.consensus.peerMsgQueue <- msgInfo{Msg: &ProposalMessage{Proposal: &proposal}, PeerID: src.ID()}:
		case <-conR.Quit():
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// subscribeToBroadcastEvents订阅consensus需要广播的消息
func (conR *Reactor) subscribeToBroadcastEvents() {
	// 监听提案广播事件 - 当consensus成功setProposal以后才会触发事件
	if err := conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewProposal, func(data events.EventData) {
		conR.broadcastProposal(data.(*types.Proposal))
	}); err != nil {
		conR.Logger.Error("subscribe proposal event failed", "err", err)
	}

	// 监听投票事件 - 当consensus成功记录一张新的投票以后才会触发事件
	if err := conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewVote, func(data events.EventData) {
		conR.broadcastVote(data.(*types.Vote))
	}); err != nil {
		conR.Logger.Error("subscribe vote event failed", "err", err)
	}
}

func (conR *Reactor) broadcastProposal(proposal *types.Proposal) {
	if conR.Switch == nil {
		return
	}
	pBytes, err := tmjson.Marshal(proposal)
	if err != nil {
		conR.Logger.Error("Marshal Proposal failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Proposal ", "proposal", proposal.Block)
	conR.Switch.Broadcast(ProposalChannel, pBytes)
}

func (conR *Reactor) broadcastVote(vote *types.Vote) {
	if conR.Switch == nil {
		return
	}
	vBytes, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Vote", "vote", vote)
	conR.Switch.Broadcast(VoteChannel, vBytes)
}

// --------------------------

type ProposalMessage struct {
	Proposal *types.Proposal
}

func (msg *ProposalMessage) ValidateBasic() error {
	return msg.Proposal.ValidateBasic()
}

func (msg *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", msg.Proposal)
}

type VoteMessage struct {
	Vote *types.Vote
}

func (msg *VoteMessage) ValidateBasic() error {
	return msg.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", msg.Vote)
}
