package chain

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"Reverso-Core/pkg/logger"
)

// JournalPayer 把每笔外付指令写入审计日志，由外部结算通道消费执行。
// 账本侧的资金状态在调用前已经落账，这里只负责留痕。
type JournalPayer struct {
	log *slog.Logger
}

// NewJournalPayer 创建 JournalPayer。
func NewJournalPayer() *JournalPayer {
	return &JournalPayer{log: logger.Named("payout")}
}

// Pay 记录一笔外付指令。
func (p *JournalPayer) Pay(ctx context.Context, asset common.Address, to common.Address, amount *big.Int) error {
	logger.Audit().Info("外付指令",
		slog.String("asset", asset.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	p.log.Info("payout journaled",
		slog.String("asset", asset.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}
