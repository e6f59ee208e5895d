package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"
	"github.com/tendermint/tm-db/metadb"

	"treegraph_bft/encoding"
	"treegraph_bft/state"
	"treegraph_bft/types"
)

// table definition：
// validators: key=vals/{blockID}; value=tmjson(ValidatorSet)，为该区块投票的验证者集合
// state:      key=state; value=tmjson(State)
// metadata:   key=res/metadata; value=tmjson(MetadataResource)，只有系统交易可以修改
// records:    key=md/{height, big endian}; value=cbor(MetadataRecord)
// user data:  key=kv/{key}; value=value
const (
	tableValidators = "vals/"
	tableRecords    = "md/"
	tableUserData   = "kv/"

	keyState            = "state"
	keyMetadataResource = "res/metadata"

	validatorCacheSize = 128
)

var (
	recordEncMode = func() cbor.EncMode {
		encMode, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
		return encMode
	}()

	recordDecMode = func() cbor.DecMode {
		decMode, err := cbor.DecOptions{
			MaxArrayElements: math.MaxInt16,
			MaxMapPairs:      math.MaxInt16,
			MaxNestedLevels:  16,
		}.DecMode()
		if err != nil {
			panic(err)
		}
		return decMode
	}()
)

// MetadataResource 链上记录当前区块信息的resource，由每个区块的metadata交易更新
// 用户交易可以读取，但不能修改
type MetadataResource struct {
	Height        int64           `json:"height"`
	BlockID       types.Digest    `json:"block_id"`
	TimestampUsec uint64          `json:"timestamp_usec"`
	Proposer      types.Address   `json:"proposer"`
	Voters        []types.Address `json:"voters"`
}

// MetadataRecord 已提交区块的metadata交易参数，按高度保存
type MetadataRecord struct {
	Height        int64  `cbor:"1,keyasint" json:"height"`
	ID            []byte `cbor:"2,keyasint" json:"id"`
	TimestampUsec uint64 `cbor:"3,keyasint" json:"timestamp_usec"`
	VoteMap       []byte `cbor:"4,keyasint" json:"vote_map"`
	Proposer      []byte `cbor:"5,keyasint" json:"proposer"`
}

// Encoded returns the execution layer arguments the record was built from.
func (r *MetadataRecord) Encoded() (*encoding.EncodedMetadata, error) {
	proposer, err := types.AddressFromBytes(r.Proposer)
	if err != nil {
		return nil, err
	}
	return &encoding.EncodedMetadata{
		ID:            r.ID,
		TimestampUsec: r.TimestampUsec,
		VoteMap:       r.VoteMap,
		Proposer:      proposer,
	}, nil
}

// NewKVStore opens (or creates) the database name under dir.
// goleveldb和memdb直接创建，其他backend需要带对应的build tag编译进metadb
func NewKVStore(name string, backend metadb.BackendType, dir string, logger log.Logger) (*KVStore, error) {
	var (
		db  dbm.DB
		err error
	)
	switch backend {
	case metadb.GoLevelDBBackend:
		db, err = leveldb.NewDB(name, dir)
	case metadb.MemDBBackend:
		db = memdb.NewDB()
	default:
		db, err = metadb.NewDB(name, backend, dir)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s db in %s", name, dir)
	}
	return NewKVStoreWithDB(db, logger), nil
}

// NewKVStoreWithDB 使用已经打开的数据库，测试里传入memdb
func NewKVStoreWithDB(kvdb dbm.DB, logger log.Logger) *KVStore {
	cache, err := lru.New(validatorCacheSize)
	if err != nil {
		panic(err)
	}
	return &KVStore{kvDB: kvdb, logger: logger, validators: cache}
}

// KVStore 基于tm-db的执行层和状态存储
// 实现了 state.Store 和 types.ValidatorSetProvider
type KVStore struct {
	kvDB dbm.DB

	logger log.Logger

	validators *lru.Cache // blockID -> *types.ValidatorSet
}

var _ state.Store = (*KVStore)(nil)

// ExecuteBlock implements state.VM
// metadata交易最先执行，失败时整个batch被丢弃；用户交易执行失败只记录日志
// 返回的结果还没有写入数据库，由调用方Commit或者Discard
func (kv *KVStore) ExecuteBlock(height int64, tx *state.MetadataTx, txs types.Txs) (state.ExecutionResult, error) {
	batch := kv.kvDB.NewBatch()

	record, err := kv.applyMetadataTx(batch, height, tx)
	if err != nil {
		batch.Close()
		kv.logger.Error("metadata tx failed", "height", height, "tx", tx, "err", err)
		return nil, fmt.Errorf("%w: %v", state.ErrMetadataTxFailed, err)
	}

	for i, utx := range txs {
		if err := kv.applyUserTx(batch, utx); err != nil {
			kv.logger.Error("exec tx failed.", "height", height, "idx", i, "err", err)
			kv.logger.Debug("exec tx failed.", "tx", utx, "err", err)
		}
	}

	appHash, err := kv.appHash(record, txs)
	if err != nil {
		batch.Close()
		return nil, err
	}
	return &executedBlock{kv: kv, batch: batch, height: height, appHash: appHash}, nil
}

// executedBlock 执行完但还没有落盘的区块
type executedBlock struct {
	kv      *KVStore
	batch   dbm.Batch
	height  int64
	appHash []byte
}

var _ state.ExecutionResult = (*executedBlock)(nil)

func (eb *executedBlock) AppHash() []byte {
	return eb.appHash
}

// Commit 执行结果、为新区块投票的验证者集合和新的state在同一个batch里写入
func (eb *executedBlock) Commit(blockID types.Digest, vals *types.ValidatorSet, s state.State) error {
	if err := vals.ValidateBasic(); err != nil {
		return err
	}
	valsBz, err := tmjson.Marshal(vals)
	if err != nil {
		return err
	}
	if err := eb.batch.Set(genKey(tableValidators, blockID.Bytes()), valsBz); err != nil {
		return err
	}
	stateBz, err := tmjson.Marshal(s)
	if err != nil {
		return err
	}
	if err := eb.batch.Set([]byte(keyState), stateBz); err != nil {
		return err
	}
	if err := eb.batch.WriteSync(); err != nil {
		return errors.Wrapf(err, "commit block %d", eb.height)
	}
	eb.kv.validators.Add(blockID, vals)
	return nil
}

// Discard drops the writes unless Commit succeeded. It can be called more than once.
func (eb *executedBlock) Discard() {
	_ = eb.batch.Close()
}

func (kv *KVStore) applyMetadataTx(batch dbm.Batch, height int64, tx *state.MetadataTx) (*MetadataRecord, error) {
	if err := tx.ValidateBasic(); err != nil {
		return nil, err
	}
	votes, err := encoding.DecodeVoteMap(tx.VoteMap)
	if err != nil {
		return nil, err
	}

	prev, err := kv.MetadataResource()
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if height != prev.Height+1 {
			return nil, fmt.Errorf("metadata for height %d after height %d", height, prev.Height)
		}
		if tx.TimestampUsec < prev.TimestampUsec {
			return nil, fmt.Errorf("timestamp %d is less than the previous %d", tx.TimestampUsec, prev.TimestampUsec)
		}
	}

	blockID, err := types.DigestFromBytes(tx.ID)
	if err != nil {
		return nil, err
	}
	resource := MetadataResource{
		Height:        height,
		BlockID:       blockID,
		TimestampUsec: tx.TimestampUsec,
		Proposer:      tx.Proposer,
		Voters:        votes.Addresses(),
	}
	bz, err := tmjson.Marshal(resource)
	if err != nil {
		return nil, err
	}
	if err := batch.Set([]byte(keyMetadataResource), bz); err != nil {
		return nil, err
	}

	record := &MetadataRecord{
		Height:        height,
		ID:            tx.ID,
		TimestampUsec: tx.TimestampUsec,
		VoteMap:       tx.VoteMap,
		Proposer:      tx.Proposer.Bytes(),
	}
	recordBz, err := recordEncMode.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := batch.Set(recordKey(height), recordBz); err != nil {
		return nil, err
	}
	return record, nil
}

// 用户交易 key=value，只能写kv表
func (kv *KVStore) applyUserTx(batch dbm.Batch, tx types.Tx) error {
	key, value, err := tx.KeyValue()
	if err != nil {
		return err
	}
	return batch.Set(genKey(tableUserData, key), value)
}

func (kv *KVStore) appHash(record *MetadataRecord, txs types.Txs) ([]byte, error) {
	st, err := kv.LoadState()
	if err != nil {
		return nil, err
	}
	recordBz, err := recordEncMode.Marshal(record)
	if err != nil {
		return nil, err
	}
	return merkle.HashFromByteSlices([][]byte{
		st.AppHash,
		tmhash.Sum(recordBz),
		txs.Hash(),
	}), nil
}

// Get returns the value a user tx wrote for key.
func (kv *KVStore) Get(key []byte) ([]byte, error) {
	return kv.kvDB.Get(genKey(tableUserData, key))
}

// MetadataResource returns the current on-chain metadata resource, nil before
// the first block.
func (kv *KVStore) MetadataResource() (*MetadataResource, error) {
	bz, err := kv.kvDB.Get([]byte(keyMetadataResource))
	if err != nil {
		return nil, errors.Wrap(err, "load metadata resource")
	}
	if bz == nil {
		return nil, nil
	}
	var resource MetadataResource
	if err := tmjson.Unmarshal(bz, &resource); err != nil {
		return nil, errors.Wrap(err, "decode metadata resource")
	}
	return &resource, nil
}

// MetadataRecord returns the metadata committed at height.
func (kv *KVStore) MetadataRecord(height int64) (*MetadataRecord, error) {
	bz, err := kv.kvDB.Get(recordKey(height))
	if err != nil {
		return nil, errors.Wrapf(err, "load metadata record %d", height)
	}
	if bz == nil {
		return nil, fmt.Errorf("no metadata record at height %d", height)
	}
	var record MetadataRecord
	if err := recordDecMode.Unmarshal(bz, &record); err != nil {
		return nil, errors.Wrapf(err, "decode metadata record %d", height)
	}
	return &record, nil
}

// ValidatorsAt implements types.ValidatorSetProvider
func (kv *KVStore) ValidatorsAt(blockID types.Digest) (*types.ValidatorSet, error) {
	if cached, ok := kv.validators.Get(blockID); ok {
		return cached.(*types.ValidatorSet), nil
	}
	bz, err := kv.kvDB.Get(genKey(tableValidators, blockID.Bytes()))
	if err != nil {
		return nil, errors.Wrapf(err, "load validators of %v", blockID)
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnknownBlock, blockID)
	}
	vals := new(types.ValidatorSet)
	if err := tmjson.Unmarshal(bz, vals); err != nil {
		return nil, errors.Wrapf(err, "decode validators of %v", blockID)
	}
	// 重新构造以恢复排序和缓存的总权重
	vals = types.NewValidatorSet(vals.Validators)
	kv.validators.Add(blockID, vals)
	return vals, nil
}

// SaveValidators 直接写入某个区块的验证者集合，提交区块时使用executedBlock.Commit
func (kv *KVStore) SaveValidators(blockID types.Digest, vals *types.ValidatorSet) error {
	if err := vals.ValidateBasic(); err != nil {
		return err
	}
	bz, err := tmjson.Marshal(vals)
	if err != nil {
		return err
	}
	if err := kv.kvDB.SetSync(genKey(tableValidators, blockID.Bytes()), bz); err != nil {
		return errors.Wrapf(err, "save validators of %v", blockID)
	}
	kv.validators.Add(blockID, vals)
	return nil
}

// SaveState 直接写入state，只在创世时使用
func (kv *KVStore) SaveState(s state.State) error {
	bz, err := tmjson.Marshal(s)
	if err != nil {
		return err
	}
	return errors.Wrap(kv.kvDB.SetSync([]byte(keyState), bz), "save state")
}

// LoadState implements state.Store. An empty State is returned before the
// first SaveState.
func (kv *KVStore) LoadState() (state.State, error) {
	bz, err := kv.kvDB.Get([]byte(keyState))
	if err != nil {
		return state.State{}, errors.Wrap(err, "load state")
	}
	if bz == nil {
		return state.State{}, nil
	}
	var s state.State
	if err := tmjson.Unmarshal(bz, &s); err != nil {
		return state.State{}, errors.Wrap(err, "decode state")
	}
	if s.Validators != nil {
		s.Validators = types.NewValidatorSet(s.Validators.Validators)
	}
	return s, nil
}

// InitGenesis 保存创世状态，以及为创世块投票的验证者集合
func (kv *KVStore) InitGenesis(genDoc *types.GenesisDoc) (state.State, error) {
	s, err := state.MakeGenesisState(genDoc)
	if err != nil {
		return s, err
	}
	if err := kv.SaveValidators(s.LastBlockID, s.Validators); err != nil {
		return s, err
	}
	return s, kv.SaveState(s)
}

func (kv *KVStore) GetDB() dbm.DB {
	return kv.kvDB
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}

func genKey(table string, primaryKey []byte) []byte {
	key := make([]byte, 0, len(table)+len(primaryKey))
	key = append(key, table...)
	return append(key, primaryKey...)
}

func recordKey(height int64) []byte {
	var bz [8]byte
	binary.BigEndian.PutUint64(bz[:], uint64(height))
	return genKey(tableRecords, bz[:])
}
