package config

import "strings"

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppLogPath  = "/data/logs/ordex-live.log"
	defaultAppWireLog  = "/data/logs/ordex-wire.log"
	defaultBrokerAPI   = "https://api.tastyworks.com"
	defaultBrokerTO    = 15
	defaultMarketTZ    = "America/New_York"
	defaultMarketCal   = "xnys"
	defaultQueuePath   = "/data/live/order_queue.json"
	defaultHistoryPath = "/data/live/executions.db"
	defaultPolicyPath  = "configs/execution_policy.yaml"
	defaultGroup       = 1
	defaultHTTPAddr    = ":9991"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.wire_log_path", &a.WireLog, defaultAppWireLog),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.base_url", &b.BaseURL, defaultBrokerAPI),
		fieldDefault{
			key:   "broker.timeout_seconds",
			need:  func() bool { return b.TimeoutSeconds <= 0 },
			apply: func() { b.TimeoutSeconds = defaultBrokerTO },
		},
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.timezone", &m.Timezone, defaultMarketTZ),
		stringFieldDefault("market.calendar", &m.Calendar, defaultMarketCal),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("execution.queue_path", &e.QueuePath, defaultQueuePath),
		stringFieldDefault("execution.history_path", &e.HistoryPath, defaultHistoryPath),
		stringFieldDefault("execution.policy_path", &e.PolicyPath, defaultPolicyPath),
		fieldDefault{
			key:   "execution.default_group",
			need:  func() bool { return e.DefaultGroup <= 0 },
			apply: func() { e.DefaultGroup = defaultGroup },
		},
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("http.enabled", &h.Enabled, true),
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
