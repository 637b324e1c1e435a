package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Snapshot gathers lightweight metadata from the settlement network.
type Snapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Gateway is a read-only view onto the settlement network. The ledger never
// signs or broadcasts transactions itself; the gateway only answers balance
// and liveness questions for operators.
type Gateway struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// Config describes how to construct a gateway.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// NewGateway dials the configured RPC endpoint and returns a ready-to-use gateway.
func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置结算网络 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接结算网络节点失败: %w", err)
	}

	return &Gateway{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the gateway.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.eth != nil {
		g.eth.Close()
		g.eth = nil
	}
	if g.rpcClient != nil {
		g.rpcClient.Close()
		g.rpcClient = nil
	}
}

// FetchSnapshot returns chain ID and latest block height.
func (g *Gateway) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	if g == nil || g.eth == nil {
		return Snapshot{}, errors.New("未初始化的结算网络客户端")
	}

	chainID, err := g.eth.ChainID(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := g.eth.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return Snapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       g.notes,
	}, nil
}

// NativeBalance returns the native asset balance of an address.
func (g *Gateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if g == nil || g.eth == nil {
		return nil, errors.New("未初始化的结算网络客户端")
	}
	balance, err := g.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
