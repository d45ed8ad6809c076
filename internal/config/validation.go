package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("broker.base_url cannot be empty")
	}
	if strings.TrimSpace(b.AccountID) == "" {
		return fmt.Errorf("broker.account_id cannot be empty")
	}
	if strings.TrimSpace(b.SessionToken) == "" {
		if strings.TrimSpace(b.Username) == "" || strings.TrimSpace(b.Password) == "" {
			return fmt.Errorf("broker requires session_token or username+password")
		}
	}
	if b.TimeoutSeconds < 0 {
		return fmt.Errorf("broker.timeout_seconds must be >= 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.Timezone) == "" {
		return fmt.Errorf("market.timezone cannot be empty")
	}
	cal := strings.ToLower(strings.TrimSpace(m.Calendar))
	if cal != "" && cal != "xnys" && cal != "nyse" {
		return fmt.Errorf("market.calendar only supports 'xnys', got %s", m.Calendar)
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if strings.TrimSpace(e.QueuePath) == "" {
		return fmt.Errorf("execution.queue_path cannot be empty")
	}
	if strings.TrimSpace(e.HistoryPath) == "" {
		return fmt.Errorf("execution.history_path cannot be empty")
	}
	if e.DefaultGroup <= 0 {
		return fmt.Errorf("execution.default_group must be > 0")
	}
	return nil
}

func (h *HTTPConfig) validate() error {
	if h.Enabled && strings.TrimSpace(h.Addr) == "" {
		return fmt.Errorf("http.addr cannot be empty when http.enabled")
	}
	return nil
}
