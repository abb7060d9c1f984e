package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMitigator(t *testing.T) (*Mitigator, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(store.WithClock(c.Now))
	return New(s, DefaultConfig(), WithClock(c.Now)), c
}

func TestTimeoutDuration(t *testing.T) {
	base, max := 30*time.Minute, 24*time.Hour
	tests := []struct {
		count int64
		want  time.Duration
	}{
		{0, 30 * time.Minute},
		{1, 30 * time.Minute},
		{2, time.Hour},
		{3, 2 * time.Hour},
		{4, 4 * time.Hour},
		{6, 16 * time.Hour},
		{7, 24 * time.Hour},
		{50, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := TimeoutDuration(tt.count, base, max); got != tt.want {
			t.Errorf("count %d: got %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestMitigator_Escalation(t *testing.T) {
	ctx := context.Background()
	m, c := newTestMitigator(t)
	ip := "203.0.113.7"

	for i := 1; i <= 4; i++ {
		out, err := m.IncrementWarning(ctx, ip, "blacklisted_keywords")
		require.NoError(t, err)
		assert.False(t, out.TimedOut, "warning %d", i)
		assert.Equal(t, int64(i), out.Count)
	}

	out, err := m.IncrementWarning(ctx, ip, "blacklisted_keywords")
	require.NoError(t, err)
	require.True(t, out.TimedOut)
	assert.Equal(t, 1, out.Timeout.TimeoutCount)
	assert.Equal(t, c.Now().Add(30*time.Minute), out.Timeout.Until)

	rec, err := m.GetTimeout(ctx, ip)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 30*time.Minute, rec.Remaining(c.Now()))

	status, err := m.GetStatus(ctx, ip)
	require.NoError(t, err)
	assert.Zero(t, status.Warnings, "warning counter resets on timeout")

	c.Advance(30 * time.Minute)
	rec, err = m.GetTimeout(ctx, ip)
	require.NoError(t, err)
	assert.Nil(t, rec, "timeout self-expires")

	for i := 1; i <= 5; i++ {
		out, err = m.IncrementWarning(ctx, ip, "moderation_flagged")
		require.NoError(t, err)
	}
	require.True(t, out.TimedOut)
	assert.Equal(t, 2, out.Timeout.TimeoutCount)
	assert.Equal(t, c.Now().Add(time.Hour), out.Timeout.Until, "second timeout doubles")
}

func TestMitigator_DenyCandidate(t *testing.T) {
	ctx := context.Background()
	m, c := newTestMitigator(t)
	ip := "198.51.100.1"

	var out *WarningOutcome
	for round := 1; round <= 4; round++ {
		for i := 0; i < 5; i++ {
			var err error
			out, err = m.IncrementWarning(ctx, ip, "x")
			require.NoError(t, err)
		}
		require.True(t, out.TimedOut)
		assert.Equal(t, round > 3, out.DenyCandidate, "round %d", round)
		c.Advance(out.Timeout.Remaining(c.Now()))
	}

	denied, err := m.IsIPDenied(ctx, ip)
	require.NoError(t, err)
	assert.False(t, denied, "deny-listing is never automatic")
}

func TestMitigator_ClearTimeout(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMitigator(t)
	ip := "192.0.2.10"

	_, err := m.ApplyTimeout(ctx, ip, ReasonManual)
	require.NoError(t, err)

	rec, err := m.GetTimeout(ctx, ip)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ReasonManual, rec.Reason)

	require.NoError(t, m.ClearTimeout(ctx, ip))
	rec, err = m.GetTimeout(ctx, ip)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMitigator_DenyList(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMitigator(t)

	require.NoError(t, m.DenyIP(ctx, "10.0.0.2"))
	require.NoError(t, m.DenyIP(ctx, "10.0.0.1"))

	ips, err := m.ListDenied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips)

	denied, err := m.IsIPDenied(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, denied)

	require.NoError(t, m.AllowIP(ctx, "10.0.0.1"))
	denied, err = m.IsIPDenied(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, denied)

	status, err := m.GetStatus(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, status.Denied)
	assert.Nil(t, status.Timeout)
}

func TestMitigator_EmptyIP(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMitigator(t)

	_, err := m.IncrementWarning(ctx, "", "x")
	assert.ErrorIs(t, err, ErrEmptyIP)
	assert.ErrorIs(t, m.DenyIP(ctx, ""), ErrEmptyIP)

	denied, err := m.IsIPDenied(ctx, "")
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxTimeout = time.Minute
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.WarningLimit = 0
	assert.Error(t, cfg.Validate())
}
