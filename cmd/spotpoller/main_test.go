package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/infra/config"
	"github.com/coachpo/spotpoller/internal/infra/persistence/memory"
	"github.com/coachpo/spotpoller/internal/infra/provider/fake"
	"github.com/coachpo/spotpoller/internal/poller"
)

const fixtureJSON = `{
  "regions": {
    "us-east-1": [
      {"id": "sir-pending", "state": "open", "status": "pending-evaluation"},
      {"id": "sir-wedged", "state": "open", "status": "capacity-not-available"},
      {"id": "sir-done", "state": "active", "status": "fulfilled"}
    ]
  }
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func devConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fixture := writeFile(t, dir, "fixture.json", fixtureJSON)
	return writeFile(t, dir, "app.yaml", `
environment: dev
regions: [us-east-1, eu-west-1]
poller:
  batchSize: 2
provider:
  type: fake
  fixture: `+fixture+`
store:
  type: memory
logging:
  level: error
  format: console
`)
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	require.ElementsMatch(t, []string{"run", "once", "migrate", "seed", "version"}, names)
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps(nil)
	require.NoError(t, err)
	require.Equal(t, 1, steps)

	steps, err = parseSteps([]string{"3"})
	require.NoError(t, err)
	require.Equal(t, 3, steps)

	_, err = parseSteps([]string{"zero"})
	require.Error(t, err)
	_, err = parseSteps([]string{"0"})
	require.Error(t, err)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"migrate", "up", "--quiet"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "--database flag is required")
}

func TestBuildComponentsReconcilesAgainstFixture(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load(ctx, devConfig(t))
	require.NoError(t, err)

	c, err := buildComponents(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.close()) })

	require.IsType(t, &memory.Store{}, c.store)
	require.IsType(t, &fake.Cloud{}, c.client)
	require.Equal(t, []string{"us-east-1", "eu-west-1"}, c.poller.Regions())

	tracked, err := seed(ctx, c.store, "us-east-1", []string{"sir-pending", " sir-wedged ", "sir-done"})
	require.NoError(t, err)
	require.Equal(t, 3, tracked)

	report, err := c.poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Regions, 2)

	east := report.Regions[0]
	require.Equal(t, "us-east-1", east.Region)
	require.Equal(t, 3, east.Pollable)
	require.Equal(t, 2, east.Batches)
	require.Equal(t, 1, east.Updated)
	require.Equal(t, 1, east.KillRequested)
	require.Equal(t, 1, east.Cancelled)
	require.Equal(t, 1, east.Removed)

	ids, err := c.store.ListPollable(ctx, "us-east-1")
	require.NoError(t, err)
	require.Equal(t, []string{"sir-pending"}, ids)

	cloud := c.client.(*fake.Cloud)
	obs, ok := cloud.Get("us-east-1", "sir-wedged")
	require.True(t, ok)
	require.Equal(t, schema.StateCancelled, obs.State)
}

func TestSeedRejectsBlankIDs(t *testing.T) {
	store := memory.NewStore()
	tracked, err := seed(context.Background(), store, "us-east-1", []string{"sir-1", "  "})
	require.Error(t, err)
	require.Equal(t, 1, tracked)
	require.Equal(t, 1, store.Len())
}

func TestOnceCommandPrintsJSONReport(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"once", "--config", devConfig(t), "--json"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var report poller.PassReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.NotEmpty(t, report.ID)
	require.Len(t, report.Regions, 2)
	for _, r := range report.Regions {
		require.Zero(t, r.Pollable)
		require.Empty(t, r.Error)
	}
}

func TestWriteReportText(t *testing.T) {
	report := poller.PassReport{
		ID:        "pass-1",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Regions: []poller.RegionReport{
			{Region: "us-east-1", Pollable: 3, Batches: 1, Described: 3, Updated: 1, Removed: 2, KillRequested: 1, Cancelled: 1},
			{Region: "eu-west-1", Error: "component=provider code=provider_call"},
		},
	}
	var out bytes.Buffer
	require.NoError(t, writeReport(&out, report, false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "pass pass-1 started 2024-05-01T12:00:00Z took 1.5s", lines[0])
	require.Contains(t, lines[1], "pollable=3 batches=1 described=3 updated=1 removed=2 kill=1 cancelled=1")
	require.Contains(t, lines[2], "error=component=provider code=provider_call")
}

func TestBuildMetricsServerRequiresAddrAndHandler(t *testing.T) {
	require.Nil(t, buildMetricsServer("", nil))
	require.Nil(t, buildMetricsServer(":9090", nil))
}

func TestVersionJSON(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--format", "json"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var info versionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	require.Equal(t, version, info.Version)
	require.NotEmpty(t, info.GoVersion)
}
