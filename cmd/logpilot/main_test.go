package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.Bytes()
}

func TestIngestCommand(t *testing.T) {
	now := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	lines := []string{
		fmt.Sprintf(`{"service":"api","level":"ERROR","timestamp":%q}`, now),
		fmt.Sprintf(`[{"service":"api","level":"INFO","timestamp":%q},{"service":"","level":"INFO","timestamp":%q}]`, now, now),
		fmt.Sprintf(`{"service":"web","level":"INFO","timestamp":%q}`, now),
	}
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	out := run(t, "ingest", "--file", path, "--batch", "2")
	var result struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
		Errors   []struct {
			Index int `json:"index"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, 3, result.Accepted)
	require.Equal(t, 1, result.Rejected)
	require.Len(t, result.Errors, 1)
	require.Equal(t, 2, result.Errors[0].Index, "indexes count across batches")
}

func TestReportCommand(t *testing.T) {
	out := run(t, "report", "--kind", "dashboard", "--hours", "1")
	var dash map[string]any
	require.NoError(t, json.Unmarshal(out, &dash))
	require.EqualValues(t, 0, dash["totalLogs"])

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"report", "--kind", "timeseries", "--interval", "0"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestDetectCommandRequiresService(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"detect"})
	require.Error(t, cmd.ExecuteContext(context.Background()))

	out := run(t, "detect", "--service", "api")
	require.JSONEq(t, `{"service":"api","org":"","anomalyDetected":false}`, string(out))
}

func TestAnomaliesCommand(t *testing.T) {
	out := run(t, "anomalies", "--limit", "5")
	require.JSONEq(t, `{"anomalies":[],"pagination":{"limit":5,"offset":0,"hasMore":false}}`, string(out))
}
