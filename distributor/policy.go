package distributor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrDailyCapExceeded indicates that applying a distribution would exceed the
// configured daily token cap.
var ErrDailyCapExceeded = errors.New("distributor: daily cap exceeded")

// ErrRewardCapExceeded indicates a single reward exceeds the per-reward limit.
var ErrRewardCapExceeded = errors.New("distributor: reward exceeds per-reward cap")

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Policy captures throttling rules for token distribution. Amounts are whole
// tokens; zero disables the corresponding cap.
type Policy struct {
	DailyCap       int64    `yaml:"daily_cap"`
	MaxPerReward   int64    `yaml:"max_per_reward"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// DefaultPolicy applies no caps and a 90 second confirmation wait.
func DefaultPolicy() Policy {
	return Policy{ConfirmTimeout: Duration{90 * time.Second}}
}

// LoadPolicy reads the distribution policy from a YAML file on disk.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	file, err := os.Open(path)
	if err != nil {
		return policy, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&policy); err != nil {
		return policy, fmt.Errorf("decode policy: %w", err)
	}
	if policy.DailyCap < 0 || policy.MaxPerReward < 0 {
		return policy, fmt.Errorf("policy caps must be non-negative")
	}
	if policy.ConfirmTimeout.Duration <= 0 {
		policy.ConfirmTimeout = Duration{90 * time.Second}
	}
	return policy, nil
}

// PolicyEnforcer tracks distributed totals per UTC day against the policy.
type PolicyEnforcer struct {
	mu     sync.Mutex
	policy Policy
	totals map[string]int64
}

// NewPolicyEnforcer constructs an enforcer for the supplied policy.
func NewPolicyEnforcer(policy Policy) *PolicyEnforcer {
	return &PolicyEnforcer{policy: policy, totals: make(map[string]int64)}
}

// ConfirmTimeout reports the bounded confirmation wait for submissions.
func (p *PolicyEnforcer) ConfirmTimeout() time.Duration {
	return p.policy.ConfirmTimeout.Duration
}

// Validate reports whether a distribution of the supplied amount is allowed
// at the given time.
func (p *PolicyEnforcer) Validate(amount int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.policy.MaxPerReward > 0 && amount > p.policy.MaxPerReward {
		return fmt.Errorf("%w: %d > %d", ErrRewardCapExceeded, amount, p.policy.MaxPerReward)
	}
	if p.policy.DailyCap > 0 && p.totals[dayKey(now)]+amount > p.policy.DailyCap {
		return fmt.Errorf("%w: %d + %d > %d", ErrDailyCapExceeded, p.totals[dayKey(now)], amount, p.policy.DailyCap)
	}
	return nil
}

// Record accounts a settled distribution against the daily window.
func (p *PolicyEnforcer) Record(amount int64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totals[dayKey(now)] += amount
}

// Remaining reports the unused portion of the daily cap, or -1 when uncapped.
func (p *PolicyEnforcer) Remaining(now time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.policy.DailyCap <= 0 {
		return -1
	}
	remaining := p.policy.DailyCap - p.totals[dayKey(now)]
	if remaining < 0 {
		return 0
	}
	return remaining
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
