package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"treegraph_bft/privval"
	"treegraph_bft/types"
)

// GenGenesisCmd 为整个集群生成genesis文件
// 每个验证者的公钥都由 (seed, idx) 推导，和 gen-validator 生成的私钥一一对应
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for the cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "链名")
	GenGenesisCmd.Flags().Int64Var(&seed, "seed", 1, "用来生成集群密钥的种子")
	GenGenesisCmd.Flags().IntVar(&validatorCount, "validators", 4, "验证者数量，编号从1开始")
	GenGenesisCmd.Flags().Int64Var(&votingPower, "power", 10, "每个验证者的投票权重")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file. exit.", "path", genFile)
		return nil
	}

	genDoc := makeClusterGenesis(chainID, seed, validatorCount, votingPower)
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "validators", validatorCount)
	return nil
}

func makeClusterGenesis(chainID string, seed int64, count int, power int64) *types.GenesisDoc {
	vals := make([]types.GenesisValidator, count)
	for id := 1; id <= count; id++ { // 从1开始编号
		pub := privval.PrivKeyWithSeedAndIdx(int64(id), seed).PubKey()
		vals[id-1] = types.GenesisValidator{
			Address: types.GetAddress(pub),
			PubKey:  pub,
			Power:   power,
			Name:    fmt.Sprintf("validator-%v", id),
		}
	}
	return &types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
		Validators:  vals,
	}
}
