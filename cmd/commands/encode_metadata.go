package commands

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"treegraph_bft/encoding"
	"treegraph_bft/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeMetadataCmd 读取JSON格式的BlockMetadata，输出执行层使用的规范编码
//
//	{"id": "...", "timestamp_usec": 1000, "previous_block_votes": [{"address": "...", "signature": "..."}], "proposer": "..."}
var EncodeMetadataCmd = &cobra.Command{
	Use:     "encode-metadata [file]",
	Aliases: []string{"encode_metadata"},
	Short:   "Print the canonical encoding of a block metadata JSON file",
	Args:    cobra.ExactArgs(1),
	PreRun:  deprecateSnakeCase,
	RunE:    encodeMetadata,
}

type encodedMetadataOutput struct {
	ID            string `json:"id"`
	TimestampUsec uint64 `json:"timestamp_usec"`
	VoteMap       string `json:"vote_map"`
	Proposer      string `json:"proposer"`
	Encoded       string `json:"encoded"`
}

func encodeMetadata(cmd *cobra.Command, args []string) error {
	bz, err := ioutil.ReadFile(args[0])
	if err != nil {
		return err
	}
	var md types.BlockMetadata
	if err := json.Unmarshal(bz, &md); err != nil {
		return fmt.Errorf("invalid metadata file %s: %w", args[0], err)
	}

	em, err := encoding.EncodeMetadata(&md)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(encodedMetadataOutput{
		ID:            hex.EncodeToString(em.ID),
		TimestampUsec: em.TimestampUsec,
		VoteMap:       hex.EncodeToString(em.VoteMap),
		Proposer:      em.Proposer.String(),
		Encoded:       hex.EncodeToString(em.Bytes()),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
