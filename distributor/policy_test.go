package distributor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"daily_cap: 5000\nmax_per_reward: 500\nconfirm_timeout: 2m\n",
	), 0o600))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, int64(5000), policy.DailyCap)
	require.Equal(t, int64(500), policy.MaxPerReward)
	require.Equal(t, 2*time.Minute, policy.ConfirmTimeout.Duration)
}

func TestLoadPolicyRejectsNegativeCaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daily_cap: -1\n"), 0o600))

	_, err := LoadPolicy(path)
	require.Error(t, err)
}

func TestLoadPolicyDefaultsConfirmTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daily_cap: 100\n"), 0o600))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, policy.ConfirmTimeout.Duration)
}

func TestDurationUnmarshal(t *testing.T) {
	var policy Policy
	require.NoError(t, yaml.Unmarshal([]byte("confirm_timeout: 45s"), &policy))
	require.Equal(t, 45*time.Second, policy.ConfirmTimeout.Duration)

	require.Error(t, yaml.Unmarshal([]byte("confirm_timeout: fortnight"), &policy))
}

func TestEnforcerDailyWindow(t *testing.T) {
	enforcer := NewPolicyEnforcer(Policy{DailyCap: 100, ConfirmTimeout: Duration{time.Second}})
	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	require.NoError(t, enforcer.Validate(60, day1))
	enforcer.Record(60, day1)
	require.Equal(t, int64(40), enforcer.Remaining(day1))

	require.ErrorIs(t, enforcer.Validate(50, day1), ErrDailyCapExceeded)

	// The cap resets at the UTC day boundary.
	require.NoError(t, enforcer.Validate(100, day2))
	require.Equal(t, int64(100), enforcer.Remaining(day2))
}

func TestEnforcerUncapped(t *testing.T) {
	enforcer := NewPolicyEnforcer(DefaultPolicy())
	now := time.Now()
	require.NoError(t, enforcer.Validate(1_000_000, now))
	require.Equal(t, int64(-1), enforcer.Remaining(now))
}
