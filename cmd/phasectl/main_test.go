package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/config"
	"github.com/goliatone/go-phase/events"
	"github.com/goliatone/go-phase/worker"
)

func runCase(t *testing.T, cmd RunCmd) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.Fast = true
	if cmd.Timeout == 0 {
		cmd.Timeout = 10 * time.Second
	}
	err := cmd.execute(context.Background(), config.Default(), &buf, phase.NopLogger{})
	return buf.String(), err
}

func TestRunCompletes(t *testing.T) {
	out, err := runCase(t, RunCmd{Case: "case-1"})
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline.started")
	assert.Contains(t, out, "pipeline.completed")
	assert.Contains(t, out, "Case case-1 completed")
	assert.Equal(t, 7, strings.Count(out, "phase.completed"))
}

func TestRunRecoversScriptedFailures(t *testing.T) {
	out, err := runCase(t, RunCmd{
		Case: "case-2",
		Fail: []string{"drafting=timeout_error", "drafting=timeout_error"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "retry-with-exponential-backoff")
	assert.Contains(t, out, "reduce-concurrency-and-retry")
	assert.Contains(t, out, "attempt 3/3")
	assert.Contains(t, out, "pipeline.completed")
}

func TestRunStopsForOperator(t *testing.T) {
	fails := []string{"strategy=unknown_error", "strategy=unknown_error", "strategy=unknown_error"}

	out, err := runCase(t, RunCmd{Case: "case-3", Fail: fails})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")
	assert.Contains(t, out, "retry budget exhausted")
	assert.NotContains(t, out, "pipeline.completed")

	out, err = runCase(t, RunCmd{Case: "case-3", Fail: fails, SkipFailed: true})
	require.NoError(t, err)
	assert.Contains(t, out, "phase.skipped")
	assert.Contains(t, out, "pipeline.completed")
}

func TestScriptFailures(t *testing.T) {
	catalog := phase.DefaultCatalog()

	_, err := scriptFailures(worker.NewSimulated(), catalog, []string{"drafting"})
	assert.True(t, phase.HasCode(err, phase.ErrCodeInvalidConfiguration))

	_, err = scriptFailures(worker.NewSimulated(), catalog, []string{"closing=network_error"})
	assert.True(t, phase.HasCode(err, phase.ErrCodeUnknownPhase))

	_, err = scriptFailures(worker.NewSimulated(), catalog, []string{"drafting=gremlins"})
	assert.True(t, phase.HasCode(err, phase.ErrCodeInvalidConfiguration))

	sim, err := scriptFailures(worker.NewSimulated(), catalog, []string{"drafting=network_error"})
	require.NoError(t, err)
	_, err = sim.Execute(context.Background(), "drafting", "c", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Executions("drafting"))
}

func TestParseFlags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("phasectl"), kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--log-level", "debug", "run", "case-9", "--fail", "intake=storage_error", "--skip-failed"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, "case-9", cli.Run.Case)
	assert.Equal(t, []string{"intake=storage_error"}, cli.Run.Fail)
	assert.True(t, cli.Run.SkipFailed)
	assert.Equal(t, 5*time.Minute, cli.Run.Timeout)

	_, err = parser.Parse([]string{"serve", "--addr", ":9999", "--nats", "nats://localhost:4222"})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cli.Serve.Addr)
	assert.Equal(t, "nats://localhost:4222", cli.Serve.NATS)
}

func TestCatalogAndPolicyCommands(t *testing.T) {
	var buf bytes.Buffer
	g := &Globals{Out: &buf}

	require.NoError(t, (&CatalogCmd{}).Run(g))
	assert.Contains(t, buf.String(), "legal_research")
	assert.Contains(t, buf.String(), "cannot be skipped")

	buf.Reset()
	require.NoError(t, (&CatalogCmd{JSON: true}).Run(g))
	var defs []phase.PhaseDefinition
	require.NoError(t, json.Unmarshal(buf.Bytes(), &defs))
	assert.Len(t, defs, 7)

	buf.Reset()
	require.NoError(t, (&PolicyCmd{}).Run(g))
	assert.Contains(t, buf.String(), "rate_limit_error")
	assert.Contains(t, buf.String(), "queue-for-later")
}

func TestRenderEvent(t *testing.T) {
	e := events.New(events.PhaseFailed, "c1")
	e.PhaseID = "drafting"
	e.Classification = "timeout_error"
	e.Action = "retry-with-exponential-backoff"
	e.Retrying = true
	e.Delay = 2 * time.Second

	line := renderEvent(e)
	assert.Contains(t, line, "phase.failed")
	assert.Contains(t, line, "drafting")
	assert.Contains(t, line, "retry in 2s")

	started := events.New(events.PhaseStarted, "c1")
	started.Attempt = 2
	started.MaxAttempts = 3
	started.Trigger = phase.TriggerAutoRetry
	assert.Contains(t, renderEvent(started), "attempt 2/3 (auto_retry)")
}
