package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "secret"
  poll_timeout: 15s
  owner_user_id: 99
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./x.db
  busy_timeout: 2s
tasks:
  - name: remind
    interval: 1m
    max_executions: 3
    timeout: 10m
    policy: next-ignore
  - name: digest
    cron: "@daily"
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	require.NoError(t, err)

	require.Equal(t, "secret", cfg.Telegram.Token)
	require.Equal(t, "15s", cfg.Telegram.PollTimeout)
	require.Equal(t, int64(99), cfg.Telegram.OwnerUserID)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.Console)
	require.Equal(t, "sqlite", cfg.Storage.Driver)

	require.Len(t, cfg.Tasks, 2)
	require.Equal(t, TaskConfig{
		Name: "remind", Interval: "1m", MaxExecutions: 3,
		Timeout: "10m", Policy: "next-ignore",
	}, cfg.Tasks[0])
	require.Equal(t, "@daily", cfg.Tasks[1].Cron)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json",
		`{"telegram":{"token":"t"},"logging":{"level":"info","console":true,"file":{"enabled":false},"notify":{"enabled":false}},"storage":{}}`))
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, "t", cfg.Telegram.Token)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", "telegram:\n  token: x\n  typo_field: 1\n"))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{"telegram":{"token":"a"}}{"again":true}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestLoadCommitsAndGetReturns(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"250ms", 250 * time.Millisecond, false},
		{"2h45m", 2*time.Hour + 45*time.Minute, false},
		{"-1s", 0, true},
		{"five seconds", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("f", tc.raw)
		if tc.wantErr {
			require.Error(t, err, "raw=%q", tc.raw)
			continue
		}
		require.NoError(t, err, "raw=%q", tc.raw)
		require.Equal(t, tc.want, got, "raw=%q", tc.raw)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "secret-token"},
		Logging:  LoggingConfig{Level: "debug"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	require.ElementsMatch(t, []string{"telegram", "logging"}, changed)
	require.NotEmpty(t, attrs)

	// Unchanged config reports nothing.
	changed, _ = SummarizeChange(newCfg, newCfg)
	require.Empty(t, changed)
}

func TestWatchPublishesOnRewrite(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to attach before the write.
	time.Sleep(200 * time.Millisecond)

	// A comment-only edit parses to the same config: deduped, not published.
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\n# touched\n"), 0o600))
	select {
	case <-ch:
		t.Fatal("unchanged content was published")
	case <-time.After(700 * time.Millisecond):
	}

	changed := "logging:\n  level: warn\n  console: false\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("changed config was not published")
	}
}
