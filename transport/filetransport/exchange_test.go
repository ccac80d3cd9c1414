package filetransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/version"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleOps() []synckit.Operation {
	op := func(id string, rank uint64, at time.Duration) synckit.Operation {
		return synckit.Operation{
			ID:           id,
			EntityType:   "topic",
			EntityID:     "topic-42",
			Kind:         synckit.KindUpdate,
			Payload:      json.RawMessage(fmt.Sprintf(`{"rev":%d}`, rank)),
			Priority:     synckit.PriorityLow,
			OriginDevice: "d1",
			Version:      version.NewVectorClockFromMap(map[string]uint64{"d1": rank}),
			CreatedAt:    epoch.Add(at),
		}
	}
	// deliberately out of replay order
	return []synckit.Operation{op("c", 3, 3*time.Second), op("a", 1, time.Second), op("b", 2, 2*time.Second)}
}

func sample() Exchange {
	versions := map[string]*version.VectorClock{"topic": version.NewVectorClockFromMap(map[string]uint64{"d1": 3})}
	return New("d1", sampleOps(), versions, epoch)
}

func opIDs(ops []synckit.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestNewOrdersForReplay(t *testing.T) {
	e := sample()
	assert.Equal(t, Format, e.Format)
	assert.Equal(t, FormatVersion, e.FormatVersion)
	assert.Equal(t, []string{"a", "b", "c"}, opIDs(e.Operations))
	require.NoError(t, e.Validate())
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, name := range []string{"export.json", "export.json.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := sample()
			require.NoError(t, ExportToFile(path, want))

			got, err := ImportFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, want.DeviceID, got.DeviceID)
			assert.True(t, want.ExportedAt.Equal(got.ExportedAt))
			assert.Equal(t, opIDs(want.Operations), opIDs(got.Operations))
			for i := range want.Operations {
				assert.True(t, want.Operations[i].Version.IsEqual(got.Operations[i].Version))
				assert.JSONEq(t, string(want.Operations[i].Payload), string(got.Operations[i].Payload))
			}
			assert.True(t, want.Versions["topic"].IsEqual(got.Versions["topic"]))

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1, "no temporary file left behind")
		})
	}
}

func TestGzipSuffixCompresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json.gz")
	require.NoError(t, ExportToFile(path, sample()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, data[:2])
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	valid := sample()
	encode := func(e Exchange) *bytes.Buffer {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, e))
		return &buf
	}

	wrongFormat := valid
	wrongFormat.Format = "something-else"
	future := valid
	future.FormatVersion = FormatVersion + 1
	anonymous := valid
	anonymous.DeviceID = ""
	duplicated := valid
	duplicated.Operations = append([]synckit.Operation{valid.Operations[0]}, valid.Operations...)
	broken := valid
	broken.Operations = []synckit.Operation{{ID: "x"}}

	for name, doc := range map[string]*bytes.Buffer{
		"format":    encode(wrongFormat),
		"version":   encode(future),
		"device":    encode(anonymous),
		"duplicate": encode(duplicated),
		"operation": encode(broken),
		"garbage":   bytes.NewBufferString("{not json"),
		"bad gzip":  bytes.NewBuffer([]byte{0x1f, 0x8b, 0x00}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(doc)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "%v", err)
		})
	}
}

func TestImportMissingFile(t *testing.T) {
	_, err := ImportFromFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, errors.IsNotFound(err))
}

func TestExportToMissingDirectory(t *testing.T) {
	err := ExportToFile(filepath.Join(t.TempDir(), "no", "such", "dir", "x.json"), sample())
	assert.True(t, errors.IsStorage(err))
}

type recorder struct {
	mu    sync.Mutex
	files []string
	fail  string
}

func (r *recorder) handle(ctx context.Context, path string, e Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, filepath.Base(path))
	if filepath.Base(path) == r.fail {
		return fmt.Errorf("rejected")
	}
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

func TestWatcherImportsInbox(t *testing.T) {
	inbox := t.TempDir()
	rec := &recorder{fail: "bad.json"}

	// present before the watcher starts
	require.NoError(t, ExportToFile(filepath.Join(inbox, "early.json"), sample()))

	w, err := NewWatcher(inbox, rec.handle, WithSettle(10*time.Millisecond), WithWatcherLogger(logging.Discard()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ExportToFile(filepath.Join(inbox, "late.json.gz"), sample()))
	require.NoError(t, ExportToFile(filepath.Join(inbox, "bad.json"), sample()))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "corrupt.json"), []byte("{"), 0o644))

	require.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(inbox, failedDir, "corrupt.json"))
		_, err2 := os.Stat(filepath.Join(inbox, failedDir, "bad.json"))
		_, err3 := os.Stat(filepath.Join(inbox, processedDir, "late.json.gz"))
		return err1 == nil && err2 == nil && err3 == nil
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.FileExists(t, filepath.Join(inbox, processedDir, "early.json"))
	assert.FileExists(t, filepath.Join(inbox, "notes.txt"))
	assert.ElementsMatch(t, []string{"early.json", "late.json.gz", "bad.json"}, rec.seen(),
		"a corrupt file never reaches the import function")
}

func TestWatcherRequiresHandler(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), nil)
	assert.Error(t, err)
}
