package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Ledger   LedgerConfig   `json:"ledger"`
	Guardian GuardianConfig `json:"guardian"`
	Monitor  MonitorConfig  `json:"monitor"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Chain    ChainConfig    `json:"chain"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制查询 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LedgerConfig 控制账本的策略参数。金额以最小计价单位的十进制字符串表示。
type LedgerConfig struct {
	Controller string `json:"controller"`
	Treasury   string `json:"treasury"`
	// PausePolicy 取 "create_only" 或 "all"。
	PausePolicy string `json:"pause_policy"`
	// UpkeepInterval 是过期清理循环的间隔秒数。
	UpkeepInterval int64 `json:"upkeep_interval"`
	// UpkeepBatchSize 是单轮清理处理的最大转账数。
	UpkeepBatchSize int `json:"upkeep_batch_size"`
}

// GuardianConfig 描述监管机构的初始成员。
type GuardianConfig struct {
	Owner     string   `json:"owner"`
	Secondary string   `json:"secondary"`
	Extra     []string `json:"extra"`
}

// MonitorConfig 控制异常监控的阈值，金额为十进制字符串，空值使用内置默认。
type MonitorConfig struct {
	SuspiciousAmount string   `json:"suspicious_amount"`
	MaxVolumePerHour string   `json:"max_volume_per_hour"`
	Keepers          []string `json:"keepers"`
}

// StorageConfig 统一描述持久化后端。
type StorageConfig struct {
	// Driver 取 "memory" 或 "mysql"。
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int64  `json:"conn_max_lifetime"`
}

// EventsConfig 描述事件发布通道。
type EventsConfig struct {
	// Driver 取 "memory"、"redis" 或 "rabbitmq"。
	Driver string `json:"driver"`
	// Redis 事件流使用的地址与键名。
	RedisAddr   string `json:"redis_addr"`
	RedisStream string `json:"redis_stream"`
	// RabbitMQ 连接串与队列名。
	AMQPURL   string `json:"amqp_url"`
	AMQPQueue string `json:"amqp_queue"`
}

// ChainConfig 指向链路定义文件与节点 RPC 地址。
// Network 指定 network_file 中的网络名，命中时其 rpc_url 优先生效；
// 未命中或文件缺失时回落到这里的 RPCURL。
type ChainConfig struct {
	Enabled     bool   `json:"enabled"`
	Network     string `json:"network"`
	RPCURL      string `json:"rpc_url"`
	NetworkFile string `json:"network_file"`
}

// MetricsConfig 控制指标服务。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制日志级别与审计文件位置。
type LoggingConfig struct {
	Level     string `json:"level"`
	AuditPath string `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.PausePolicy == "" {
		c.Ledger.PausePolicy = "create_only"
	}
	if c.Ledger.UpkeepInterval <= 0 {
		c.Ledger.UpkeepInterval = 300
	}
	if c.Ledger.UpkeepBatchSize <= 0 {
		c.Ledger.UpkeepBatchSize = 100
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.RedisStream == "" {
		c.Events.RedisStream = "reverso:events"
	}
	if c.Events.AMQPQueue == "" {
		c.Events.AMQPQueue = "reverso.events"
	}

	if c.Chain.NetworkFile == "" {
		c.Chain.NetworkFile = filepath.Join(baseDir, "networks.yaml")
	} else if !filepath.IsAbs(c.Chain.NetworkFile) {
		c.Chain.NetworkFile = filepath.Join(baseDir, c.Chain.NetworkFile)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
