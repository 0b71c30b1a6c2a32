package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// 供应模式
const (
	ModeMock = "mock"
	ModeLive = "live"
)

// 独享实例后端
const (
	DedicatedCloud   = "cloud"
	DedicatedLibvirt = "libvirt"
)

type Config struct {
	// Address HTTP 监听地址，环境变量 ASSISTD_ADDRESS，默认 0.0.0.0:7788
	Address string `yaml:"address"`

	// DataDir 数据目录，sqlite 数据库文件放在这里
	// 环境变量 ASSISTD_DATA_DIR，默认 ~/.local/share/assistd
	DataDir string `yaml:"data_dir"`

	Database     Database     `yaml:"database"`
	Provisioner  Provisioner  `yaml:"provisioner"`
	Capacity     Capacity     `yaml:"capacity"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Billing      Billing      `yaml:"billing"`
	Schedule     Schedule     `yaml:"schedule"`
	API          API          `yaml:"api"`

	// SecretIdentity age X25519 私钥（AGE-SECRET-KEY-1...），用于租户密钥加解密
	SecretIdentity string `yaml:"secret_identity"`
	// WebhookSecret 支付回调 HMAC 签名密钥
	WebhookSecret string `yaml:"webhook_secret"`
}

type Database struct {
	// Driver sqlite 或 postgres
	Driver string `yaml:"driver"`
	// DSN 为空时 sqlite 使用 DataDir/assistd.db
	DSN string `yaml:"dsn"`
}

type Provisioner struct {
	// Mode mock 时不调用任何远端接口，创建立即成功
	Mode string `yaml:"mode"`
	// Dedicated 独享实例后端：cloud 或 libvirt
	Dedicated string `yaml:"dedicated"`

	CloudURL       string  `yaml:"cloud_url"`
	CloudToken     string  `yaml:"cloud_token"`
	CloudRateLimit float64 `yaml:"cloud_rate_limit"` // 每秒请求数

	LibvirtURI       string `yaml:"libvirt_uri"`
	LibvirtPool      string `yaml:"libvirt_pool"`
	LibvirtBaseImage string `yaml:"libvirt_base_image"`
	LibvirtNetwork   string `yaml:"libvirt_network"`

	DockerToken string `yaml:"docker_token"`
	DockerPort  int    `yaml:"docker_port"`
	DockerImage string `yaml:"docker_image"`

	// OperatorSSHKeys 写入实例 cloud-init 的运维公钥
	OperatorSSHKeys []string `yaml:"operator_ssh_keys"`
}

type Capacity struct {
	MinAvailableSlots    int    `yaml:"min_available_slots"`
	MaxContainersPerHost int    `yaml:"max_containers_per_host"`
	MaxHostProbeAttempts int    `yaml:"max_host_probe_attempts"`
	HostSize             string `yaml:"host_size"`
	HostRegion           string `yaml:"host_region"`
	HostImage            string `yaml:"host_image"`
}

type Orchestrator struct {
	MaxProbeAttempts  int           `yaml:"max_probe_attempts"`
	MaxDeployRetries  int           `yaml:"max_deploy_retries"`
	MaxCapacityWaits  int           `yaml:"max_capacity_waits"`
	PendingStaleAfter time.Duration `yaml:"pending_stale_after"`
	RemoteCallTimeout time.Duration `yaml:"remote_call_timeout"`
	DefaultSize       string        `yaml:"default_size"`
	DefaultRegion     string        `yaml:"default_region"`
	DefaultImage      string        `yaml:"default_image"`
	// HealthCheckPath 非空时探测 http://{address}{path} 作为应用就绪条件
	HealthCheckPath string `yaml:"health_check_path"`
}

type Billing struct {
	DedicatedMonthlyPrice string `yaml:"dedicated_monthly_price"`
	SharedMonthlyPrice    string `yaml:"shared_monthly_price"`
	// HoursPerPeriod 月价折算小时价的除数
	HoursPerPeriod int `yaml:"hours_per_period"`
	// ShutdownGrace 余额不足被标记后，到实际停机的宽限期
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	WelcomeBonus  string        `yaml:"welcome_bonus"`

	UsageURL   string `yaml:"usage_url"`
	UsageToken string `yaml:"usage_token"`
	// CreditsPerUSD LLM 花费（美元）换算为积分的固定汇率
	CreditsPerUSD string `yaml:"credits_per_usd"`
}

type Schedule struct {
	StatusCheck    time.Duration `yaml:"status_check"`
	UsageSync      time.Duration `yaml:"usage_sync"`
	CapacityEnsure time.Duration `yaml:"capacity_ensure"`
	PendingRetry   time.Duration `yaml:"pending_retry"`
	HourlyCharge   time.Duration `yaml:"hourly_charge"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

type API struct {
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// New 加载配置
// 优先级：环境变量 > 配置文件（path 非空时）> 默认值
func New(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回默认配置，未配置凭据时使用 mock 模式
func Default() *Config {
	return &Config{
		Address: "0.0.0.0:7788",
		DataDir: defaultDataDir(),
		Database: Database{
			Driver: "sqlite",
		},
		Provisioner: Provisioner{
			Mode:             ModeMock,
			Dedicated:        DedicatedCloud,
			CloudURL:         "https://api.digitalocean.com",
			CloudRateLimit:   5,
			LibvirtURI:       "qemu:///system",
			LibvirtPool:      "default",
			LibvirtBaseImage: "ubuntu-24.04.qcow2",
			LibvirtNetwork:   "default",
			DockerPort:       2375,
			DockerImage:      "ghcr.io/jimyag/assistant:latest",
		},
		Capacity: Capacity{
			MinAvailableSlots:    5,
			MaxContainersPerHost: 20,
			MaxHostProbeAttempts: 10,
			HostSize:             "s-4vcpu-8gb",
			HostRegion:           "fra1",
			HostImage:            "docker-20-04",
		},
		Orchestrator: Orchestrator{
			MaxProbeAttempts:  3,
			MaxDeployRetries:  5,
			MaxCapacityWaits:  36,
			PendingStaleAfter: 5 * time.Minute,
			RemoteCallTimeout: 60 * time.Second,
			DefaultSize:       "s-1vcpu-2gb",
			DefaultRegion:     "fra1",
			DefaultImage:      "ubuntu-24-04-x64",
		},
		Billing: Billing{
			DedicatedMonthlyPrice: "24.00",
			SharedMonthlyPrice:    "7.30",
			HoursPerPeriod:        730,
			ShutdownGrace:         24 * time.Hour,
			WelcomeBonus:          "5.00",
			CreditsPerUSD:         "1.00",
		},
		Schedule: Schedule{
			StatusCheck:    5 * time.Minute,
			UsageSync:      time.Minute,
			CapacityEnsure: time.Minute,
			PendingRetry:   2 * time.Minute,
			HourlyCharge:   time.Hour,
			JobTimeout:     5 * time.Minute,
		},
		API: API{
			RateLimit: 20,
			RateBurst: 40,
			CacheTTL:  10 * time.Second,
		},
	}
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.Provisioner.Mode != ModeMock && c.Provisioner.Mode != ModeLive {
		return fmt.Errorf("invalid provisioner mode %q", c.Provisioner.Mode)
	}
	if c.Provisioner.Dedicated != DedicatedCloud && c.Provisioner.Dedicated != DedicatedLibvirt {
		return fmt.Errorf("invalid dedicated backend %q", c.Provisioner.Dedicated)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("postgres requires a dsn")
	}
	if c.Provisioner.Mode == ModeLive && c.Provisioner.Dedicated == DedicatedCloud && c.Provisioner.CloudToken == "" {
		return fmt.Errorf("live mode requires a cloud token")
	}
	if c.Billing.HoursPerPeriod <= 0 {
		return fmt.Errorf("hours_per_period must be positive")
	}
	if c.Capacity.MaxContainersPerHost <= 0 {
		return fmt.Errorf("max_containers_per_host must be positive")
	}
	for name, value := range map[string]string{
		"dedicated_monthly_price": c.Billing.DedicatedMonthlyPrice,
		"shared_monthly_price":    c.Billing.SharedMonthlyPrice,
		"welcome_bonus":           c.Billing.WelcomeBonus,
		"credits_per_usd":         c.Billing.CreditsPerUSD,
	} {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// DedicatedPrice 独享实例月价，Validate 之后调用
func (b Billing) DedicatedPrice() decimal.Decimal {
	return decimal.RequireFromString(b.DedicatedMonthlyPrice)
}

// SharedPrice 共享容器月价
func (b Billing) SharedPrice() decimal.Decimal {
	return decimal.RequireFromString(b.SharedMonthlyPrice)
}

func (b Billing) WelcomeBonusAmount() decimal.Decimal {
	return decimal.RequireFromString(b.WelcomeBonus)
}

func (b Billing) ConversionRate() decimal.Decimal {
	return decimal.RequireFromString(b.CreditsPerUSD)
}

// DatabaseDSN 返回实际使用的 DSN
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.DataDir, "assistd.db")
}

// applyEnv 使用 ASSISTD_* 环境变量覆盖配置
func applyEnv(c *Config) {
	c.Address = getEnv("ASSISTD_ADDRESS", c.Address)
	c.DataDir = getEnv("ASSISTD_DATA_DIR", c.DataDir)

	c.Database.Driver = getEnv("ASSISTD_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("ASSISTD_DB_DSN", c.Database.DSN)

	c.Provisioner.Mode = getEnv("ASSISTD_PROVISIONER_MODE", c.Provisioner.Mode)
	c.Provisioner.Dedicated = getEnv("ASSISTD_DEDICATED_BACKEND", c.Provisioner.Dedicated)
	c.Provisioner.CloudURL = getEnv("ASSISTD_CLOUD_URL", c.Provisioner.CloudURL)
	c.Provisioner.CloudToken = getEnv("ASSISTD_CLOUD_TOKEN", c.Provisioner.CloudToken)
	c.Provisioner.LibvirtURI = getEnv("LIBVIRT_URI", getEnv("ASSISTD_LIBVIRT_URI", c.Provisioner.LibvirtURI))
	c.Provisioner.DockerToken = getEnv("ASSISTD_DOCKER_TOKEN", c.Provisioner.DockerToken)
	c.Provisioner.DockerImage = getEnv("ASSISTD_DOCKER_IMAGE", c.Provisioner.DockerImage)
	c.Provisioner.DockerPort = getEnvInt("ASSISTD_DOCKER_PORT", c.Provisioner.DockerPort)
	if keys := os.Getenv("ASSISTD_OPERATOR_SSH_KEYS"); keys != "" {
		c.Provisioner.OperatorSSHKeys = strings.Split(keys, ",")
	}

	c.Capacity.MinAvailableSlots = getEnvInt("ASSISTD_MIN_AVAILABLE_SLOTS", c.Capacity.MinAvailableSlots)
	c.Capacity.MaxContainersPerHost = getEnvInt("ASSISTD_MAX_CONTAINERS_PER_HOST", c.Capacity.MaxContainersPerHost)

	c.Orchestrator.MaxProbeAttempts = getEnvInt("ASSISTD_MAX_PROBE_ATTEMPTS", c.Orchestrator.MaxProbeAttempts)
	c.Orchestrator.MaxDeployRetries = getEnvInt("ASSISTD_MAX_DEPLOY_RETRIES", c.Orchestrator.MaxDeployRetries)
	c.Orchestrator.MaxCapacityWaits = getEnvInt("ASSISTD_MAX_CAPACITY_WAITS", c.Orchestrator.MaxCapacityWaits)
	c.Orchestrator.RemoteCallTimeout = getEnvDuration("ASSISTD_REMOTE_CALL_TIMEOUT", c.Orchestrator.RemoteCallTimeout)

	c.Billing.UsageURL = getEnv("ASSISTD_USAGE_URL", c.Billing.UsageURL)
	c.Billing.UsageToken = getEnv("ASSISTD_USAGE_TOKEN", c.Billing.UsageToken)
	c.Billing.CreditsPerUSD = getEnv("ASSISTD_CREDITS_PER_USD", c.Billing.CreditsPerUSD)

	c.SecretIdentity = getEnv("ASSISTD_SECRET_IDENTITY", c.SecretIdentity)
	c.WebhookSecret = getEnv("ASSISTD_WEBHOOK_SECRET", c.WebhookSecret)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// defaultDataDir 默认使用 ~/.local/share/assistd，取不到主目录时使用 ./data
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "assistd")
	}
	return filepath.Join(".", "data")
}
