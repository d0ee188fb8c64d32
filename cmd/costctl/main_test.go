package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommandWithIO(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(append([]string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--db", filepath.Join(dir, "costintel.db"),
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func costSamples(days int) string {
	start := time.Now().UTC().AddDate(0, 0, -days)
	var parts []string
	for i := 0; i < days; i++ {
		ts := start.AddDate(0, 0, i).Format(time.RFC3339)
		parts = append(parts, fmt.Sprintf(
			`{"provider":"vps","entity_id":"acct-%d","resource_id":"bill","metric":"daily_cost","timestamp":%q,"value":%d,"cost":%d}`,
			i, ts, 100+i, 100+i))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestRecordThenForecast(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, costSamples(20), "record")
	require.NoError(t, err)
	var rec struct {
		Persisted int `json:"persisted"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, 20, rec.Persisted)

	out, err = runCLI(t, dir, "", "forecast", "--horizon", "5")
	require.NoError(t, err)
	var fc struct {
		Forecast []struct {
			Value float64 `json:"value"`
		} `json:"forecast"`
		InputPoints int `json:"input_points"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &fc))
	assert.Len(t, fc.Forecast, 5)
	assert.Equal(t, 20, fc.InputPoints)

	out, err = runCLI(t, dir, "", "runs", "forecasts")
	require.NoError(t, err)
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Len(t, runs, 1)
}

func TestBudgetCompareWithoutHistory(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "budget", "compare", "--amount", "1000", "--horizon", "30")
	require.NoError(t, err)

	var rep map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "under_budget", rep["status"])
	assert.Equal(t, -1000.0, rep["delta"])
	assert.NotEmpty(t, rep["message"])
}

func TestDetectWithoutData(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "detect", "--window", "24")
	require.NoError(t, err)
	assert.Contains(t, out, `"count": 0`)
	assert.Contains(t, out, "Insufficient data")
}

func TestInvalidWindowIsRejected(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "detect", "--window", "500")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")
}

func TestDepartmentRequiresName(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "budget", "department")
	assert.Error(t, err)
}
