package node

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
	"github.com/tendermint/tm-db/metadb"

	"treegraph_bft/consensus"
	"treegraph_bft/libs/metric"
	"treegraph_bft/privval"
	"treegraph_bft/rpc"
	sm "treegraph_bft/state"
	"treegraph_bft/store"
	"treegraph_bft/types"
)

const storeName = "treegraph"

type Provider func(*cfg.Config, *consensus.Config, log.Logger) (*Node, error)

type Node struct {
	service.BaseService

	// config
	config   *cfg.Config
	csConfig *consensus.Config
	genDoc   *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// service
	store            *store.KVStore
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	metricSet        *metric.MetricSet
	rpcListeners     []net.Listener
}

type Option func(*Node)

// DefaultNewNode 从home目录读取node key、验证者私钥和genesis文件
func DefaultNewNode(config *cfg.Config, csConfig *consensus.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	privVal := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	return NewNode(config, csConfig, privVal, nodeKey, genDoc, logger)
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)
	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			8, // global
			11,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.ProposalChannel,
			consensus.VoteChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

// loadState 数据库为空时用genesis初始化
func loadState(kv *store.KVStore, genDoc *types.GenesisDoc) (sm.State, error) {
	state, err := kv.LoadState()
	if err != nil {
		return state, err
	}
	if state.IsEmpty() {
		return kv.InitGenesis(genDoc)
	}
	if state.ChainID != genDoc.ChainID {
		return state, fmt.Errorf("database is for chain %q, genesis is for %q", state.ChainID, genDoc.ChainID)
	}
	return state, nil
}

func NewNode(
	config *cfg.Config,
	csConfig *consensus.Config,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	kv, err := store.NewKVStore(storeName, metadb.BackendType(config.DBBackend), config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	state, err := loadState(kv, genDoc)
	if err != nil {
		kv.Close()
		return nil, err
	}
	logger.Info("loaded state", "state", state)

	blockExec := sm.NewBlockExecutor(kv)
	blockExec.SetLogger(logger.With("module", "state"))

	consensusState, err := consensus.NewConsensusState(csConfig, blockExec, kv, state, consensus.SetValidator(privVal))
	if err != nil {
		kv.Close()
		return nil, err
	}
	consensusState.SetLogger(logger.With("module", "consensus"))

	consensusReactor := consensus.NewReactor(consensusState)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		kv.Close()
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(nodeInfo, nodeKey)

	// Setup Switch.
	sw := createSwitch(
		config, transport, consensusReactor, nodeInfo, nodeKey, logger.With("module", "p2p"),
	)

	node := &Node{
		config:           config,
		csConfig:         csConfig,
		genDoc:           genDoc,
		transport:        transport,
		sw:               sw,
		nodeInfo:         nodeInfo,
		nodeKey:          nodeKey,
		store:            kv,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		metricSet:        metric.NewMetricSet(),
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	if err := node.metricSet.SetMetrics("consensus", consensusState.Metric()); err != nil {
		return nil, err
	}
	if err := node.metricSet.SetMetrics("p2p", metric.FuncItem(node.p2pMetric)); err != nil {
		return nil, err
	}

	for _, option := range options {
		option(node)
	}

	return node, nil
}

func (n *Node) OnStart() error {
	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	// start the Switch
	if err := n.sw.Start(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	return n.consensusState.Start()
}

func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if err := n.consensusState.Stop(); err != nil {
		n.Logger.Error("Error stopping consensus", "err", err)
	}
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}
	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}
	if err := n.store.Close(); err != nil {
		n.Logger.Error("Error closing store", "err", err)
	}
}

// startRPC 注册rpc路由，同时提供http和websocket两种访问方式
func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		Consensus: n.consensusState,
		Store:     n.store,
		MetricSet: n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc-server")
	config := rpcserver.DefaultConfig()
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	mux := http.NewServeMux()
	wm := rpcserver.NewWebsocketManager(rpc.Routes)
	wm.SetLogger(rpcLogger.With("protocol", "websocket"))
	mux.HandleFunc("/websocket", wm.WebsocketHandler)
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil && !errors.Is(err, net.ErrClosed) {
				rpcLogger.Error("Error serving server", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

func (n *Node) p2pMetric() string {
	s, _ := jsoniter.MarshalToString(map[string]interface{}{
		"node_id": n.nodeKey.ID(),
		"peers":   n.sw.Peers().Size(),
	})
	return s
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Store() *store.KVStore {
	return n.store
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
