package consensus

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	bkstate "treegraph_bft/state"
	"treegraph_bft/store"
	"treegraph_bft/types"
)

const testChainID = "CONSENSUS_TEST"

func newGenesisDoc(vals *types.ValidatorSet) *types.GenesisDoc {
	genDoc := &types.GenesisDoc{ChainID: testChainID, GenesisTime: time.Unix(1, 0)}
	for _, v := range vals.Validators {
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{PubKey: v.PubKey, Power: v.VotingPower})
	}
	return genDoc
}

// consensusLogger is a TestingLogger which uses a different
// color for each validator ("validator" key must exist).
func consensusLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "validator" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	})
}

type testNode struct {
	cs *ConsensusState
	kv *store.KVStore
}

// newTestNode 每个节点使用独立的内存数据库，从同一个创世块开始
func newTestNode(t *testing.T, genDoc *types.GenesisDoc, priv types.PrivValidator, logger log.Logger) *testNode {
	return newTestNodeWithProvider(t, genDoc, priv, logger, nil)
}

// newTestNodeWithProvider wrap不为nil时，共识模块通过wrap之后的provider查询验证者集合
func newTestNodeWithProvider(
	t *testing.T,
	genDoc *types.GenesisDoc,
	priv types.PrivValidator,
	logger log.Logger,
	wrap func(types.ValidatorSetProvider) types.ValidatorSetProvider,
) *testNode {
	kv := store.NewKVStoreWithDB(memdb.NewDB(), logger.With("module", "store"))
	genState, err := kv.InitGenesis(genDoc)
	require.NoError(t, err)

	var provider types.ValidatorSetProvider = kv
	if wrap != nil {
		provider = wrap(kv)
	}

	blockExec := bkstate.NewBlockExecutor(kv)
	blockExec.SetLogger(logger.With("module", "state"))

	var opts []ConsensusOption
	if priv != nil {
		opts = append(opts, SetValidator(priv))
	}
	cs, err := NewConsensusState(TestConfig(), blockExec, provider, genState, opts...)
	require.NoError(t, err)
	cs.SetLogger(logger.With("module", "consensus"))
	return &testNode{cs: cs, kv: kv}
}

func newTestNodes(t *testing.T, n int) ([]*testNode, []types.PrivValidator) {
	vals, privs := types.RandValidatorSet(n, 10)
	genDoc := newGenesisDoc(vals)
	logger := log.NewFilter(consensusLogger(), log.AllowError())

	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, genDoc, privs[i], logger.With("validator", i))
	}
	return nodes, privs
}

// connectInProcess 不经过p2p，直接把提案和投票转发给其他节点
func connectInProcess(nodes []*testNode) {
	for i, n := range nodes {
		i := i
		_ = n.cs.eventSwitch.AddListenerForEvent("test", EventNewProposal, func(data events.EventData) {
			for j, other := range nodes {
				if j == i || !other.cs.IsRunning() {
					continue
				}
				select {
				case other.cs.peerMsgQueue <- msgInfo{&ProposalMessage{Proposal: data.(*types.Proposal)}, ""}:
				default:
				}
			}
		})
		_ = n.cs.eventSwitch.AddListenerForEvent("test", EventNewVote, func(data events.EventData) {
			for j, other := range nodes {
				if j != i {
					_, _ = other.cs.TryAddVote(data.(*types.Vote), "")
				}
			}
		})
	}
}

func signVote(t *testing.T, pv types.PrivValidator, blockID types.Digest) *types.Vote {
	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	vote := types.NewVote(blockID, types.GetAddress(pub), nil)
	require.NoError(t, pv.SignVote(testChainID, vote))
	return vote
}

func privForAddress(t *testing.T, privs []types.PrivValidator, addr types.Address) types.PrivValidator {
	for _, pv := range privs {
		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		if types.GetAddress(pub) == addr {
			return pv
		}
	}
	t.Fatalf("no private key for %v", addr)
	return nil
}

// makeProposal 以state之后的leader身份生成一个签名提案
func makeProposal(
	t *testing.T,
	cs *ConsensusState,
	privs []types.PrivValidator,
	lastVotes *types.VoteMap,
) *types.Proposal {
	st := cs.GetState()
	proposer := st.Validators.GetProposer(types.LTime(st.NextHeight())).Address
	proposal := cs.blockExec.CreateProposal(st, proposer, lastVotes, nil)
	require.NoError(t, privForAddress(t, privs, proposer).SignProposal(testChainID, proposal))
	return proposal
}

func stopAll(t *testing.T, nodes []*testNode) {
	for _, n := range nodes {
		if n.cs.IsRunning() {
			require.NoError(t, n.cs.Stop())
		}
	}
}
