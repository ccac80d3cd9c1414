package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/history"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/synckit"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--log-level", "error", "--no-color"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func device(t *testing.T, name string) []string {
	return []string{"--device", name, "--db", filepath.Join(t.TempDir(), name+".db")}
}

func TestEnqueueAndStatus(t *testing.T) {
	d1 := device(t, "D1")

	out, err := run(t, "", append(d1, "enqueue", "topic", "topic-42", `{"title":"A"}`)...)
	require.NoError(t, err)
	assert.Contains(t, out, "recorded update topic/topic-42")

	_, err = run(t, `{"title":"B"}`, append(d1, "enqueue", "topic", "topic-42", "-", "--priority", "high")...)
	require.NoError(t, err)

	out, err = run(t, "", append(d1, "--json", "status")...)
	require.NoError(t, err)
	var st struct {
		Device string             `json:"device"`
		Status coordinator.Status `json:"status"`
		Log    oplog.Stats        `json:"log"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "D1", st.Device)
	assert.Equal(t, 2, st.Status.Pending)
	assert.Equal(t, 1, st.Log.Entities)

	out, err = run(t, "", append(d1, "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "no remote configured")
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	d1 := device(t, "D1")

	_, err := run(t, "", append(d1, "enqueue", "topic", "t1", "{not json")...)
	assert.True(t, errors.IsValidation(err))

	_, err = run(t, "", append(d1, "enqueue", "topic", "t1", "{}", "--priority", "urgent")...)
	assert.True(t, errors.IsValidation(err))

	_, err = run(t, "", append(d1, "enqueue", "topic")...)
	assert.Error(t, err)
}

func TestExportImportBetweenDevices(t *testing.T) {
	d1, d2 := device(t, "D1"), device(t, "D2")
	file := filepath.Join(t.TempDir(), "d1.json.gz")

	for _, title := range []string{"A", "B"} {
		_, err := run(t, "", append(d1, "enqueue", "topic", "topic-42", `{"title":"`+title+`"}`)...)
		require.NoError(t, err)
	}
	out, err := run(t, "", append(d1, "export", file)...)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 2 operations")

	out, err = run(t, "", append(d2, "--json", "import", file)...)
	require.NoError(t, err)
	var summary coordinator.SyncSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Pulled)
	assert.Equal(t, 0, summary.Duplicates)

	out, err = run(t, "", append(d2, "--json", "import", file)...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Duplicates, "importing twice changes nothing")
}

func TestHistoryAfterImport(t *testing.T) {
	d1, d2 := device(t, "D1"), device(t, "D2")
	file := filepath.Join(t.TempDir(), "d1.json")

	_, err := run(t, "", append(d1, "enqueue", "topic", "topic-42", `{"title":"A"}`)...)
	require.NoError(t, err)
	_, err = run(t, "", append(d1, "export", file)...)
	require.NoError(t, err)

	out, err := run(t, "", append(d2, "history")...)
	require.NoError(t, err)
	assert.Contains(t, out, "no sync runs recorded")

	_, err = run(t, "", append(d2, "import", file)...)
	require.NoError(t, err)

	out, err = run(t, "", append(d2, "--json", "history")...)
	require.NoError(t, err)
	var records []history.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, history.TriggerImport, records[0].Trigger)
	assert.Equal(t, history.OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, 1, records[0].Pulled)

	out, err = run(t, "", append(d2, "--json", "history", "--failed")...)
	require.NoError(t, err)
	records = nil
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	assert.Empty(t, records)

	out, err = run(t, "", append(d2, "history")...)
	require.NoError(t, err)
	assert.Contains(t, out, "import")

	_, err = run(t, "", append(d2, "history", "--limit", "-1")...)
	assert.True(t, errors.IsValidation(err))
}

func TestImportMissingFile(t *testing.T) {
	_, err := run(t, "", append(device(t, "D1"), "import", filepath.Join(t.TempDir(), "absent.json"))...)
	assert.True(t, errors.IsNotFound(err))
}

func TestSyncNeedsRemote(t *testing.T) {
	_, err := run(t, "", append(device(t, "D1"), "sync")...)
	assert.True(t, errors.IsValidation(err))
}

func TestConflictsAndResolveFlags(t *testing.T) {
	d1 := device(t, "D1")

	out, err := run(t, "", append(d1, "--json", "conflicts")...)
	require.NoError(t, err)
	var records []synckit.ConflictRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	assert.Empty(t, records)

	_, err = run(t, "", append(d1, "resolve", "c1")...)
	assert.True(t, errors.IsValidation(err), "needs --pick or --payload")

	_, err = run(t, "", append(d1, "resolve", "c1", "--pick", "x", "--payload", "{}")...)
	assert.True(t, errors.IsValidation(err))

	_, err = run(t, "", append(d1, "resolve", "c1", "--pick", "x")...)
	assert.True(t, errors.IsNotFound(err))
}

func TestCompact(t *testing.T) {
	d1 := device(t, "D1")
	_, err := run(t, "", append(d1, "enqueue", "topic", "t1", "{}")...)
	require.NoError(t, err)

	out, err := run(t, "", append(d1, "--json", "compact", "--older-than", "1h")...)
	require.NoError(t, err)
	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 0, res["compacted"], "pending operations are never compacted")
	assert.Equal(t, 0, res["recovered"])
}

func TestInvalidConfig(t *testing.T) {
	_, err := run(t, "", "--store", "bolt", "status")
	assert.True(t, errors.IsValidation(err))
}
