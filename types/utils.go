package types

// MakeBlock 返回一个头信息只填写了基本字段的区块
func MakeBlock(chainID string, height int64, lastBlockID Digest, txs []Tx) *Block {
	block := &Block{
		Header: Header{
			ChainID:     chainID,
			Height:      height,
			LastBlockID: lastBlockID,
		},
		Data: Data{
			Txs: txs,
		},
	}
	return block
}

// GenesisBlockID 创世块的id，所有节点根据chainID计算出相同的值
func GenesisBlockID(chainID string) Digest {
	return SumDigest([]byte("genesis:" + chainID))
}
