package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Reverso-Core/internal/api"
	"Reverso-Core/internal/chain"
	"Reverso-Core/internal/config"
	"Reverso-Core/internal/event"
	"Reverso-Core/internal/guardian"
	"Reverso-Core/internal/ledger"
	"Reverso-Core/internal/monitor"
	"Reverso-Core/internal/observability/metrics"
	"Reverso-Core/internal/storage/mysql"
	"Reverso-Core/pkg/logger"
)

// main 是账本守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("reversod 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("REVERSO_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "reverso.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level: cfg.Logging.Level,
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 初始化转账与机构存储。
	var (
		transferStore ledger.Store
		actionStore   guardian.ActionStore
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		transferStore = ledger.NewMemoryStore()
		actionStore = guardian.NewMemoryActionStore()
	case "mysql":
		db, err := mysql.Connect(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if transferStore, err = ledger.NewMySQLStore(db); err != nil {
			return err
		}
		if actionStore, err = guardian.NewMySQLActionStore(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	// 初始化事件发布通道。
	var publisher event.Publisher
	switch cfg.Events.Driver {
	case "", "memory":
		publisher = event.NewMemoryPublisher(1024)
	case "redis":
		pub, err := event.NewRedisPublisher(event.RedisConfig{
			Address: cfg.Events.RedisAddr,
			Stream:  cfg.Events.RedisStream,
		})
		if err != nil {
			return err
		}
		publisher = pub
	case "rabbitmq":
		pub, err := event.NewRabbitMQPublisher(event.RabbitMQConfig{
			URL:   cfg.Events.AMQPURL,
			Queue: cfg.Events.AMQPQueue,
		})
		if err != nil {
			return err
		}
		publisher = pub
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
	recorder := event.NewRecorder(publisher, nil)
	defer recorder.Close()

	owner := common.HexToAddress(cfg.Guardian.Owner)
	secondary := common.HexToAddress(cfg.Guardian.Secondary)
	controller := common.HexToAddress(cfg.Ledger.Controller)

	pausePolicy := ledger.PauseBlocksCreateOnly
	if cfg.Ledger.PausePolicy == "all" {
		pausePolicy = ledger.PauseBlocksAll
	}

	svc := ledger.NewService(transferStore, controller,
		ledger.WithRecorder(recorder),
		ledger.WithPayer(chain.NewJournalPayer()),
		ledger.WithPausePolicy(pausePolicy),
		ledger.WithTreasury(common.HexToAddress(cfg.Ledger.Treasury)),
	)
	defer svc.Close()

	authority, err := guardian.NewAuthority(controller, owner, secondary, actionStore, svc,
		guardian.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}
	for _, raw := range cfg.Guardian.Extra {
		if err := authority.AddEmergencyGuardian(ctx, owner, common.HexToAddress(raw)); err != nil {
			return err
		}
	}
	svc.SetGuardianCheck(authority.IsGuardian)

	mon := monitor.New(owner, monitorConfig(cfg),
		monitor.WithPauser(&emergencyPauser{authority: authority, as: owner}),
	)
	for _, raw := range cfg.Monitor.Keepers {
		if err := mon.AddKeeper(owner, common.HexToAddress(raw)); err != nil {
			return err
		}
	}
	svc.SetObserver(mon)

	// 结算网络网关是可选的只读依赖。接口变量只在网关真实存在时赋值，
	// 避免携带空指针的非空接口。
	var chainReader api.ChainReader
	if cfg.Chain.Enabled {
		gateway, err := chain.NewGateway(ctx, gatewayConfig(cfg))
		if err != nil {
			return err
		}
		defer gateway.Close()
		chainReader = gateway
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	go runUpkeepLoop(ctx, svc, mon, owner, cfg.Ledger.UpkeepInterval, cfg.Ledger.UpkeepBatchSize)

	server := api.NewServer(cfg.Server.Address, svc, authority, mon, chainReader)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runUpkeepLoop 周期性退款过期转账并重置监控窗口。
func runUpkeepLoop(ctx context.Context, svc *ledger.Service, mon *monitor.Monitor, keeper common.Address, interval int64, batchSize int) {
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := svc.ListExpiredPending(ctx, batchSize)
		if err != nil {
			logger.L().Error("查询过期转账失败", slog.Any("error", err))
			continue
		}
		if len(ids) > 0 {
			outcomes := svc.BatchRefundExpired(ctx, ids, keeper)
			refunded := 0
			for _, outcome := range outcomes {
				if outcome.Refunded {
					refunded++
				}
			}
			logger.L().Info("过期清理完成",
				slog.Int("candidates", len(ids)),
				slog.Int("refunded", refunded),
			)
		}

		if mon.CheckUpkeep() {
			if err := mon.PerformUpkeep(keeper); err != nil {
				logger.L().Error("监控窗口维护失败", slog.Any("error", err))
			}
		}
	}
}

// gatewayConfig 从网络定义文件解析 RPC 端点。命中的网络优先，
// 文件缺失或网络名未命中时回落到配置里的 rpc_url。
func gatewayConfig(cfg *config.Config) chain.Config {
	out := chain.Config{Name: "default", RPCURL: cfg.Chain.RPCURL}

	defs, err := chain.LoadNetworkDefinitions(cfg.Chain.NetworkFile)
	if err != nil {
		logger.L().Warn("网络定义文件不可用，回落到 rpc_url",
			slog.String("path", cfg.Chain.NetworkFile),
			slog.Any("error", err),
		)
		return out
	}
	def, ok := defs.Endpoint(cfg.Chain.Network)
	if !ok {
		if cfg.Chain.Network != "" {
			logger.L().Warn("网络定义中未找到指定网络，回落到 rpc_url",
				slog.String("network", cfg.Chain.Network),
			)
		}
		return out
	}

	out.Name = cfg.Chain.Network
	out.Notes = def.Description
	if def.RPCURL != "" {
		out.RPCURL = def.RPCURL
	}
	return out
}

func monitorConfig(cfg *config.Config) monitor.Config {
	out := monitor.Config{}
	if raw := cfg.Monitor.SuspiciousAmount; raw != "" {
		if parsed, ok := new(big.Int).SetString(raw, 10); ok {
			out.SuspiciousAmount = parsed
		}
	}
	if raw := cfg.Monitor.MaxVolumePerHour; raw != "" {
		if parsed, ok := new(big.Int).SetString(raw, 10); ok {
			out.MaxVolumePerHour = parsed
		}
	}
	return out
}

// emergencyPauser 把监控器的自动暂停请求适配到监管机构的紧急暂停入口。
type emergencyPauser struct {
	authority *guardian.Authority
	as        common.Address
}

func (p *emergencyPauser) Pause(ctx context.Context, reason string) error {
	return p.authority.EmergencyPause(ctx, p.as, reason)
}
