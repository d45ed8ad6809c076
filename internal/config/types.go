package config

import "strings"

// Config 是 ordex 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Broker    BrokerConfig    `toml:"broker"`
	Market    MarketConfig    `toml:"market"`
	Execution ExecutionConfig `toml:"execution"`
	HTTP      HTTPConfig      `toml:"http"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	WireLog  string `toml:"wire_log_path"`
	WireDump bool   `toml:"wire_dump_body"`
}

// BrokerConfig 描述券商会话的访问方式。
type BrokerConfig struct {
	BaseURL            string `toml:"base_url"`
	AccountID          string `toml:"account_id"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	SessionToken       string `toml:"session_token"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type MarketConfig struct {
	Timezone string `toml:"timezone"`
	Calendar string `toml:"calendar"`
}

// ExecutionConfig points at the durable state the engine owns.
type ExecutionConfig struct {
	QueuePath    string `toml:"queue_path"`
	HistoryPath  string `toml:"history_path"`
	PolicyPath   string `toml:"policy_path"`
	DefaultGroup int    `toml:"default_group"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
