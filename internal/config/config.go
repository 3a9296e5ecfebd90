package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database int    `yaml:"database"`
}

// GetRedisAddress prints redis credential info.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	LogLevel         string        `yaml:"log_level"`
	WalletConnect    WalletConnect `yaml:"wallet_connect"`
	App              App           `yaml:"app"`
	Network          string        `yaml:"network"`
	Contract         string        `yaml:"contract"`
	API              API           `yaml:"api"`
	Bridge           Bridge        `yaml:"bridge"`
	DeepLink         DeepLink      `yaml:"deep_link"`
	Timeouts         Timeouts      `yaml:"timeouts"`
	Poller           Poller        `yaml:"poller"`
	Redis            Redis         `yaml:"redis"`
	HTTP             HTTP          `yaml:"http"`
	SentryDSN        string        `yaml:"sentry_dsn"`
	LarkAlarmWebhook string        `yaml:"lark_alarm_webhook"`
}

type WalletConnect struct {
	// ProjectID is checked when the pairing client first initializes, not here.
	ProjectID      string        `yaml:"project_id"`
	RelayURL       string        `yaml:"relay_url"`
	Launcher       string        `yaml:"launcher"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// App is the metadata shown to the user on the wallet's approval screen.
type App struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	URL         string   `yaml:"url"`
	Icons       []string `yaml:"icons"`
}

type API struct {
	BaseURL       string `yaml:"base_url"`
	Key           string `yaml:"key"`
	RatePerSecond int    `yaml:"rate_per_second"`
}

type Bridge struct {
	URL       string        `yaml:"url"`
	DetectTTL time.Duration `yaml:"detect_ttl"`
}

type DeepLink struct {
	WalletURL   string `yaml:"wallet_url"`
	CallbackURL string `yaml:"callback_url"`
}

type Timeouts struct {
	Build     time.Duration `yaml:"build"`
	Approve   time.Duration `yaml:"approve"`
	Broadcast time.Duration `yaml:"broadcast"`
}

type Poller struct {
	Interval time.Duration `yaml:"interval"`
}

type Redis struct {
	DBCredential `yaml:",inline"`
	HandoffTTL   time.Duration `yaml:"handoff_ttl"`
}

type HTTP struct {
	Addr           string        `yaml:"addr"`
	RatePerMinute  int           `yaml:"rate_per_minute"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Enabled reports whether a redis address is configured.
func (r Redis) Enabled() bool {
	return r.Address != ""
}

// envOverrides maps environment variables onto secrets and wallet settings.
// The first non-empty variable of each group wins.
var envOverrides = []struct {
	names []string
	apply func(c *Configuration, v string)
}{
	{[]string{"WALLETCONNECT_PROJECT_ID", "VITE_WALLETCONNECT_PROJECT_ID"}, func(c *Configuration, v string) { c.WalletConnect.ProjectID = v }},
	{[]string{"WALLETCONNECT_RELAY_URL", "VITE_WALLETCONNECT_RELAY_URL"}, func(c *Configuration, v string) { c.WalletConnect.RelayURL = v }},
	{[]string{"STACKS_NETWORK", "VITE_NETWORK"}, func(c *Configuration, v string) { c.Network = v }},
	{[]string{"VAULT_CONTRACT"}, func(c *Configuration, v string) { c.Contract = v }},
	{[]string{"HIRO_API_KEY"}, func(c *Configuration, v string) { c.API.Key = v }},
	{[]string{"REDIS_PASSWORD"}, func(c *Configuration, v string) { c.Redis.Password = v }},
	{[]string{"SENTRY_DSN"}, func(c *Configuration, v string) { c.SentryDSN = v }},
	{[]string{"LARK_ALARM_WEBHOOK"}, func(c *Configuration, v string) { c.LarkAlarmWebhook = v }},
}

func (c *Configuration) applyEnv() {
	for _, o := range envOverrides {
		for _, name := range o.names {
			if v := strings.TrimSpace(os.Getenv(name)); v != "" {
				o.apply(c, v)
				break
			}
		}
	}
}

func (c *Configuration) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Network == "" {
		c.Network = "mainnet"
	}
	if c.WalletConnect.ConnectTimeout <= 0 {
		c.WalletConnect.ConnectTimeout = 5 * time.Minute
	}
	if c.Timeouts.Build <= 0 {
		c.Timeouts.Build = 10 * time.Second
	}
	if c.Timeouts.Approve <= 0 {
		c.Timeouts.Approve = 90 * time.Second
	}
	if c.Timeouts.Broadcast <= 0 {
		c.Timeouts.Broadcast = 20 * time.Second
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = 30 * time.Second
	}
	if c.Redis.HandoffTTL <= 0 {
		c.Redis.HandoffTTL = 24 * time.Hour
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 2 * time.Minute
	}
}

// Load reads the yaml file at path, then .env and the process environment on top.
func Load(path string) (*Configuration, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s does not exist", path)
		}
		return nil, err
	}
	t := Configuration{}
	if err := yaml.Unmarshal(dat, &t); err != nil {
		return nil, fmt.Errorf("fail to decode config error: %v", err)
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("loading .env: %v", err)
	}
	t.applyEnv()
	t.applyDefaults()
	return &t, nil
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	logrus.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := Load(*configFilePath)
	if err != nil {
		logrus.Fatal(err)
	}
	Global = globalConfig
}
