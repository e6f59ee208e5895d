package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendermint/tm-db/metadb"

	"treegraph_bft/store"
	"treegraph_bft/types"
)

var (
	dbBackend string
	dbdir     string
)

func init() {
	InitDBCmd.Flags().StringVar(&dbBackend, "backend", string(metadb.GoLevelDBBackend), "tm-db backend")
	InitDBCmd.Flags().StringVar(&dbdir, "dir", "", "database dir, defaults to the node's data dir")
}

// InitDBCmd 用genesis初始化状态数据库：创世状态和为创世块投票的验证者集合
var InitDBCmd = &cobra.Command{
	Use:     "init-db",
	Aliases: []string{"init_db", "initdb"},
	Short:   "Initialize the state database from the genesis file",
	RunE:    initDB,
}

func initDB(cmd *cobra.Command, args []string) error {
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return err
	}
	if dbdir == "" {
		dbdir = config.DBDir()
	}

	kv, err := store.NewKVStore("treegraph", metadb.BackendType(dbBackend), dbdir, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	s, err := kv.LoadState()
	if err != nil {
		return err
	}
	if !s.IsEmpty() {
		return fmt.Errorf("database at %s already initialized at height %d", dbdir, s.LastHeight)
	}
	s, err = kv.InitGenesis(genDoc)
	if err != nil {
		return err
	}
	logger.Info("Initialized state database", "dir", dbdir, "state", s)
	return nil
}
