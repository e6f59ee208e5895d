package rpc

import (
	"treegraph_bft/consensus"
	"treegraph_bft/libs/metric"
	"treegraph_bft/store"
)

var env *Environment

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Consensus *consensus.ConsensusState
	Store     *store.KVStore

	MetricSet *metric.MetricSet
}
