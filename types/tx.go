package types

import (
	"bytes"
	"errors"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

// Tx 用户交易，格式为 key=value
type Tx []byte

func (tx Tx) Hash() []byte {
	return tmhash.Sum(tx)
}

func (tx Tx) ComputeSize() int64 {
	return int64(len(tx))
}

// KeyValue splits a key=value transaction.
func (tx Tx) KeyValue() (key, value []byte, err error) {
	parts := bytes.SplitN(tx, []byte("="), 2)
	if len(parts) != 2 || len(parts[0]) == 0 {
		return nil, nil, errors.New("tx is not of the form key=value")
	}
	return parts[0], parts[1], nil
}

// ===== tx array =====
type Txs []Tx

// 返回交易形成的merkle tree的根value
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}
