package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// consensus
	"status":      rpc.NewRPCFunc(Status, ""),
	"vote_status": rpc.NewRPCFunc(VoteStatus, "block_id"),

	// execution layer
	"block_metadata":    rpc.NewRPCFunc(BlockMetadata, "height"),
	"metadata_resource": rpc.NewRPCFunc(MetadataResource, ""),
	"query":             rpc.NewRPCFunc(Query, "key"),

	"metrics": rpc.NewRPCFunc(JSONMetrics, "label"),
}
