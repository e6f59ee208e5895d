// rpc_test 通过websocket连接节点，跟随链的高度打印每个区块的投票情况和元数据
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

const (
	sendTimeout = 10 * time.Second
	readTimeout = 10 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	target   string
	interval time.Duration
	rounds   int
)

type client struct {
	conn   *websocket.Conn
	nextID int
	logger log.Logger
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// call 发送一个jsonrpc请求并等待对应id的响应
func (c *client) call(method string, params map[string]interface{}, result interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to encode params")
	}
	c.nextID++
	id := jsonrpc.JSONRPCIntID(c.nextID)
	req := jsonrpc.RPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return errors.Wrapf(err, "failed to send %s", method)
	}

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		var resp jsonrpc.RPCResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return errors.Wrapf(err, "failed to read %s response", method)
		}
		if resp.ID != id {
			c.logger.Debug("skip response", "id", resp.ID)
			continue
		}
		if resp.Error != nil {
			return errors.Errorf("%s: %v", method, resp.Error)
		}
		return json.Unmarshal(resp.Result, result)
	}
}

type statusResult struct {
	Round struct {
		Height      int64  `json:"height,string"` // tmjson把int64编码成字符串
		LastBlockID string `json:"last_block_id"`
	} `json:"round"`
	ChainID string `json:"chain_id"`
}

func watch(c *client) error {
	var lastHeight int64
	for i := 0; rounds <= 0 || i < rounds; i++ {
		var status statusResult
		if err := c.call("status", map[string]interface{}{}, &status); err != nil {
			return err
		}

		// 已提交的区块高度是 height-1
		committed := status.Round.Height - 1
		if committed > lastHeight {
			var votes jsoniter.RawMessage
			if err := c.call("vote_status", map[string]interface{}{"block_id": status.Round.LastBlockID}, &votes); err != nil {
				return err
			}
			var md jsoniter.RawMessage
			if err := c.call("block_metadata", map[string]interface{}{"height": fmt.Sprint(committed)}, &md); err != nil {
				return err
			}
			c.logger.Info("committed block", "chain", status.ChainID, "height", committed,
				"vote_status", string(votes), "metadata", string(md))
			lastHeight = committed
		}

		time.Sleep(interval)
	}

	var metrics jsoniter.RawMessage
	if err := c.call("metrics", map[string]interface{}{"label": ""}, &metrics); err != nil {
		return err
	}
	c.logger.Info("metrics", "all", string(metrics))
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "rpc_test",
	Short: "Follow a node over websocket and print committed block metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
		conn, _, err := connect(target)
		if err != nil {
			return errors.Wrapf(err, "failed to connect %s", target)
		}
		defer conn.Close()

		c := &client{conn: conn, logger: logger}
		err = watch(c)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return err
	},
}

func main() {
	rootCmd.Flags().StringVar(&target, "target", "127.0.0.1:26657", "节点rpc地址")
	rootCmd.Flags().DurationVar(&interval, "interval", time.Second, "轮询间隔")
	rootCmd.Flags().IntVar(&rounds, "rounds", 10, "轮询次数，<=0 表示一直运行")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
