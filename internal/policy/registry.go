// Package policy holds the tunable execution knobs: risk caps, retry
// budgets, chase cadence. The file is hot-reloadable so a bad chase interval
// never needs a restart during market hours.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ordex/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Policy 描述一次完整执行流水线允许的参数。
type Policy struct {
	MaxPositionPct         float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
	PlacementMaxRetries    int     `mapstructure:"placement_max_retries" yaml:"placement_max_retries"`
	PlacementRetryDelayMs  int     `mapstructure:"placement_retry_delay_ms" yaml:"placement_retry_delay_ms"`
	ChaseAttempts          int     `mapstructure:"chase_attempts" yaml:"chase_attempts"`
	ChaseIntervalSeconds   int     `mapstructure:"chase_interval_seconds" yaml:"chase_interval_seconds"`
	ChaseTick              float64 `mapstructure:"chase_tick" yaml:"chase_tick"`
	QuoteTimeoutSeconds    int     `mapstructure:"quote_timeout_seconds" yaml:"quote_timeout_seconds"`
	OpenWaitBufferSeconds  int     `mapstructure:"open_wait_buffer_seconds" yaml:"open_wait_buffer_seconds"`
	RecheckIntervalSeconds int     `mapstructure:"recheck_interval_seconds" yaml:"recheck_interval_seconds"`
}

// Default is the reference policy: 40% NLV cap, 10 shrinking placement
// retries at 500ms, 20 chase polls at 15s with a $0.01 tick.
func Default() Policy {
	return Policy{
		MaxPositionPct:         0.40,
		PlacementMaxRetries:    10,
		PlacementRetryDelayMs:  500,
		ChaseAttempts:          20,
		ChaseIntervalSeconds:   15,
		ChaseTick:              0.01,
		QuoteTimeoutSeconds:    10,
		OpenWaitBufferSeconds:  30,
		RecheckIntervalSeconds: 30,
	}
}

func (p Policy) MaxPositionFraction() decimal.Decimal {
	return decimal.NewFromFloat(p.MaxPositionPct)
}

func (p Policy) TickSize() decimal.Decimal {
	return decimal.NewFromFloat(p.ChaseTick)
}

func (p Policy) PlacementRetryDelay() time.Duration {
	return time.Duration(p.PlacementRetryDelayMs) * time.Millisecond
}

func (p Policy) ChaseInterval() time.Duration {
	return time.Duration(p.ChaseIntervalSeconds) * time.Second
}

func (p Policy) QuoteTimeout() time.Duration {
	return time.Duration(p.QuoteTimeoutSeconds) * time.Second
}

func (p Policy) OpenWaitBuffer() time.Duration {
	return time.Duration(p.OpenWaitBufferSeconds) * time.Second
}

func (p Policy) RecheckInterval() time.Duration {
	return time.Duration(p.RecheckIntervalSeconds) * time.Second
}

// fillDefaults replaces zero fields so a partial file overrides only what it
// names.
func (p *Policy) fillDefaults() {
	def := Default()
	if p.MaxPositionPct <= 0 || p.MaxPositionPct > 1 {
		p.MaxPositionPct = def.MaxPositionPct
	}
	if p.PlacementMaxRetries <= 0 {
		p.PlacementMaxRetries = def.PlacementMaxRetries
	}
	if p.PlacementRetryDelayMs <= 0 {
		p.PlacementRetryDelayMs = def.PlacementRetryDelayMs
	}
	if p.ChaseAttempts <= 0 {
		p.ChaseAttempts = def.ChaseAttempts
	}
	if p.ChaseIntervalSeconds <= 0 {
		p.ChaseIntervalSeconds = def.ChaseIntervalSeconds
	}
	if p.ChaseTick <= 0 {
		p.ChaseTick = def.ChaseTick
	}
	if p.QuoteTimeoutSeconds <= 0 {
		p.QuoteTimeoutSeconds = def.QuoteTimeoutSeconds
	}
	if p.OpenWaitBufferSeconds < 0 {
		p.OpenWaitBufferSeconds = def.OpenWaitBufferSeconds
	}
	if p.RecheckIntervalSeconds <= 0 {
		p.RecheckIntervalSeconds = def.RecheckIntervalSeconds
	}
}

// Snapshot 公开的策略快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Policy   Policy
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry serves the active policy and watches the backing file.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// Static returns a registry pinned to the given policy, for tests and for
// running without a policy file.
func Static(p Policy) *Registry {
	p.fillDefaults()
	return &Registry{snapshot: Snapshot{Version: 1, LoadedAt: time.Now(), Policy: p}}
}

// NewRegistry 读取策略文件并监听更新；path 为空或文件缺失时退回内置默认值。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		logger.Infof("execution policy: using built-in defaults")
		return Static(Default()), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("execution policy file %s missing, using built-in defaults", path)
			return Static(Default()), nil
		}
		return nil, fmt.Errorf("stat policy file failed: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("policy reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Active returns the policy in force right now.
func (r *Registry) Active() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Policy
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (r *Registry) AddListener(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	p, err := readPolicyFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Policy:   p,
	}
	r.mu.Unlock()
	logger.Infof("execution policy loaded from %s (cap=%.0f%%, chase=%dx%ds)",
		filepath.Base(r.path), p.MaxPositionPct*100, p.ChaseAttempts, p.ChaseIntervalSeconds)
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := r.snapshot
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("policy listener")
			cb(snap)
		}(fn)
	}
}

func safeRecover(tag string) {
	if rec := recover(); rec != nil {
		logger.Errorf("%s panic: %v", tag, rec)
	}
}

func readPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file failed: %w", err)
	}
	var doc map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return Policy{}, fmt.Errorf("parse policy file failed: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return Policy{}, fmt.Errorf("policy file invalid: %w", err)
	}
	var p Policy
	decdr, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Policy{}, err
	}
	if err := decdr.Decode(doc); err != nil {
		return Policy{}, fmt.Errorf("decode policy failed: %w", err)
	}
	p.fillDefaults()
	return p, nil
}

// policySchema rejects out-of-range knobs before they reach the pipeline.
var policySchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"max_position_pct":         map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 1},
		"placement_max_retries":    map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"placement_retry_delay_ms": map[string]any{"type": "integer", "minimum": 0},
		"chase_attempts":           map[string]any{"type": "integer", "minimum": 1, "maximum": 500},
		"chase_interval_seconds":   map[string]any{"type": "integer", "minimum": 1},
		"chase_tick":               map[string]any{"type": "number", "exclusiveMinimum": 0},
		"quote_timeout_seconds":    map[string]any{"type": "integer", "minimum": 1},
		"open_wait_buffer_seconds": map[string]any{"type": "integer", "minimum": 0},
		"recheck_interval_seconds": map[string]any{"type": "integer", "minimum": 1},
	},
}

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func validateDocument(doc map[string]any) error {
	schemaOnce.Do(func() {
		raw, err := json.Marshal(policySchema)
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("policy.json", strings.NewReader(string(raw))); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("policy.json")
	})
	if schemaErr != nil {
		return schemaErr
	}
	return schemaCompiled.Validate(normalizeYAML(doc))
}

// normalizeYAML converts yaml.v3's map types into what the schema validator
// expects.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalizeYAML(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = normalizeYAML(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeYAML(child)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
