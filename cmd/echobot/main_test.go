package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"echobot/internal/config"
	"echobot/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitThenConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := run(t, "init", "-c", path)
	require.NoError(t, err)

	_, err = run(t, "init", "-c", path)
	assert.Error(t, err, "init must not overwrite without --force")

	_, err = run(t, "config", "set", "channels.web.port", "9000", "-c", path)
	require.NoError(t, err)

	out, err := run(t, "config", "get", "channels.web.port", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "9000", strings.TrimSpace(out))

	out, err = run(t, "config", "path", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, path, strings.TrimSpace(out))
}

func TestConfigSetRejectsInvalidValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := run(t, "init", "-c", path)
	require.NoError(t, err)

	_, err = run(t, "config", "set", "general.maxConcurrentMessages", "0", "-c", path)
	assert.Error(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.General.MaxConcurrentMessages)
}

func TestConfigListMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.Defaults()
	cfg.Channels.Discord.Token = "discord-secret-token-value"
	require.NoError(t, config.Save(path, cfg))

	out, err := run(t, "config", "list", "-c", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "discord-secret-token-value")
	assert.Contains(t, out, "disc****alue")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "echobot v"+version+"\n", out)
}

func TestStatusPrintsCounters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := config.Defaults()
	cfg.Stats.DBPath = filepath.Join(dir, "stats.db")
	require.NoError(t, config.Save(path, cfg))

	out, err := run(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no stats recorded yet")

	store, err := stats.Open(cfg.Stats.DBPath, logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, "web", stats.Received))
	require.NoError(t, store.Record(ctx, "web", stats.Sent))
	require.NoError(t, store.Close())

	out, err = run(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CHANNEL")
	assert.Contains(t, out, "web")
}

func TestStatusWithStatsDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.Defaults()
	cfg.Stats.Enabled = false
	require.NoError(t, config.Save(path, cfg))

	out, err := run(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "stats are disabled")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, nil)
	assert.Contains(t, buf.String(), "no messages handled yet")

	buf.Reset()
	printStats(&buf, []stats.ChannelStats{
		{Channel: "telegram", Received: 3, Sent: 2, Failed: 1, LastSeen: time.Unix(0, 0)},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"telegram", "3", "2", "1"}, strings.Fields(lines[1])[:4])
}

func TestNetworkChannels(t *testing.T) {
	cfg := config.Defaults()
	assert.Empty(t, networkChannels(cfg, logger, nil), "defaults enable only the CLI")

	cfg.Channels.Web.Enabled = true
	cfg.Channels.Webhook.Enabled = true
	cfg.Channels.Telegram.Enabled = true // no token: skipped
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = "tok"

	var names []string
	for _, ch := range networkChannels(cfg, logger, nil) {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"web", "webhook", "discord"}, names)
}

func TestDoctorFailsWithoutConfig(t *testing.T) {
	out, err := run(t, "doctor", "-c", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	assert.Contains(t, out, "[FAIL] Config file")
}

func TestDoctorPassesOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := config.Defaults()
	cfg.Stats.DBPath = filepath.Join(dir, "stats.db")
	require.NoError(t, config.Save(path, cfg))

	out, err := run(t, "doctor", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[PASS] Stats database")
	assert.Contains(t, out, "0 failed")
}

func TestRenderServiceFiles(t *testing.T) {
	unit := renderSystemd("/usr/local/bin/echobot", "/home/u/.echobot/config.json")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/echobot gateway --config /home/u/.echobot/config.json")

	plist := renderLaunchd("/bin/echobot", "/c.json", "/l.log", "/e.log")
	assert.Contains(t, plist, "<string>"+launchdLabel+"</string>")
	assert.Contains(t, plist, "<string>/e.log</string>")
	assert.NotContains(t, plist, "{{")
}
