package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"proxyrot/rot/common/logx"
)

/************** 结构 **************/

type ServerCfg struct {
	Addr         string `yaml:"addr"`
	Port         int    `yaml:"port"`
	Workers      int    `yaml:"workers"`
	IOTimeoutSec int    `yaml:"io_timeout_sec"`
	Retry        bool   `yaml:"retry"`
}

type AuthCfg struct {
	NoAuth   bool   `yaml:"no_auth"`
	Userpass string `yaml:"userpass"` // USER 或 USER:PASS；为空表示不启用

	// 解析结果（Load 与命令行覆盖经 ParseUserpass 填充，不从 yaml 读）
	User      string `yaml:"-"`
	Pass      string `yaml:"-"`
	CheckPass bool   `yaml:"-"`
}

type LimitsCfg struct {
	UpBps   int64 `yaml:"up_bps"`   // client -> upstream；0 不限
	DownBps int64 `yaml:"down_bps"` // upstream -> client；0 不限
}

type DBPoolCfg struct {
	MaxOpen        int `yaml:"max_open"`
	MaxIdle        int `yaml:"max_idle"`
	MaxLifetimeSec int `yaml:"max_lifetime_sec"`
}

type DBCfg struct {
	Enable bool      `yaml:"enable"`
	Driver string    `yaml:"driver"`
	DSN    string    `yaml:"dsn"`
	Pool   DBPoolCfg `yaml:"pool"`
}

type AdminCfg struct {
	Enable    bool   `yaml:"enable"`
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // 分钟
}

type MetricsCfg struct {
	Enable  bool   `yaml:"enable"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server  ServerCfg  `yaml:"server"`
	Auth    AuthCfg    `yaml:"auth"`
	Proxies []string   `yaml:"proxies"` // 代理列表文件路径
	Limits  LimitsCfg  `yaml:"limits"`
	DB      DBCfg      `yaml:"db"`
	Admin   AdminCfg   `yaml:"admin"`
	Metrics MetricsCfg `yaml:"metrics"`
	Logging Logging    `yaml:"logging"`
}

/************** 默认值 **************/

const (
	DefaultAddr    = "127.0.0.1"
	DefaultPort    = 1080
	DefaultWorkers = 8
	DefaultTimeout = 10
)

func Default() *Config {
	return &Config{
		Server: ServerCfg{
			Addr:         DefaultAddr,
			Port:         DefaultPort,
			Workers:      DefaultWorkers,
			IOTimeoutSec: DefaultTimeout,
		},
		DB:      DBCfg{Driver: "sqlite", DSN: defaultSQLiteDSN()},
		Logging: Logging{Level: "info"},
	}
}

func defaultSQLiteDSN() string {
	return "file:./lib/proxyrot.db?_pragma_busy_timeout=5000&_pragma_journal_mode=WAL"
}

var log = logx.New(logx.WithPrefix("config"))

/************** 加载 **************/

// Load 读取 yaml 配置；path 为空时依次尝试默认路径，都不存在则返回纯默认配置。
func Load(path string) (*Config, string, error) {
	c := Default()

	candidates := []string{path, "./config/config.yaml", "/etc/proxyrot/config.yaml"}
	var b []byte
	var used string
	for _, p := range candidates {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err == nil {
			b, used = data, p
			break
		}
		// 显式指定的路径读不到要报错，默认路径允许缺省
		if p == path {
			return nil, p, fmt.Errorf("read config %s: %w", p, err)
		}
	}
	if used == "" {
		return c, "", nil
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, used, err
	}

	// yaml 里 dsn 留空时回落到默认 sqlite 路径
	if c.DB.DSN == "" && strings.HasPrefix(strings.ToLower(c.DB.Driver), "sqlite") {
		c.DB.DSN = defaultSQLiteDSN()
	}

	if c.Auth.Userpass != "" {
		u, p, chk := ParseUserpass(c.Auth.Userpass)
		c.Auth.User, c.Auth.Pass, c.Auth.CheckPass = u, p, chk
	}
	log.Debugf("config loaded from %s", used)
	return c, used, nil
}

// ParseUserpass 拆 "USER:PASS"；没有冒号时只校验用户名
func ParseUserpass(s string) (user, pass string, checkPass bool) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// Validate 启动前校验（代理为空/无认证方式都是致命错）
func (c *Config) Validate(haveProxies bool) error {
	if !haveProxies {
		return errors.New("missing proxies")
	}
	if !c.Auth.NoAuth && c.Auth.Userpass == "" {
		return errors.New("no auth method provided")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("invalid workers %d", c.Server.Workers)
	}
	if c.Server.IOTimeoutSec < 0 {
		return fmt.Errorf("invalid io timeout %d", c.Server.IOTimeoutSec)
	}
	return nil
}
