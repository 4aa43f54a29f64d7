package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	assert.Empty(t, sink.Records())

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, sink.Append(Record{Prompt: "a", Backend: "gemini", Timestamp: ts, BatchID: "b1", Index: 1, Total: 2}))
	require.NoError(t, sink.Append(Record{Prompt: "a", Backend: "gemini", Timestamp: ts, BatchID: "b1", Index: 2, Total: 2}))

	// nothing is visible before Persist
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, sink.Records())

	require.NoError(t, sink.Persist())
	assert.Len(t, sink.Records(), 2)
	assert.Len(t, sink.Batch("b1"), 2)
	assert.True(t, sink.Records()[0].InBatch())

	reopened, err := OpenFileSink(path)
	require.NoError(t, err)
	records := reopened.Records()
	require.Len(t, records, 2)
	assert.Equal(t, ts, records[1].Timestamp.UTC())
	assert.Equal(t, 2, records[1].Index)

	require.NoError(t, reopened.Append(Record{Prompt: "c", Backend: "openai", Timestamp: ts}))
	require.NoError(t, reopened.Persist())
	again, err := OpenFileSink(path)
	require.NoError(t, err)
	assert.Len(t, again.Records(), 3)
	assert.False(t, again.Records()[2].InBatch())
}

func TestFileSinkCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := OpenFileSink(path)
	assert.Error(t, err)
}

func TestFileSinkPersistWithoutRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Persist())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// Runs against a real database when GEN2GO_TEST_POSTGRES_DSN is set
func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("GEN2GO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GEN2GO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := "history_test_" + time.Now().Format("20060102150405")
	sink, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn, Table: table})
	require.NoError(t, err)
	defer func() {
		sink.db.ExecContext(ctx, "DROP TABLE "+sink.table)
		sink.Close()
	}()

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, sink.Append(Record{Prompt: "a", Backend: "comfyui", Timestamp: ts, BatchID: "b", Index: 1, Total: 2}))
	require.NoError(t, sink.Append(Record{Prompt: "a", Backend: "comfyui", Timestamp: ts, BatchID: "b", Index: 2, Total: 2}))
	require.NoError(t, sink.Persist())

	records, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Index)
	assert.Equal(t, "b", records[1].BatchID)
}

func TestPostgresQuotesTable(t *testing.T) {
	sink := NewPostgresSink(nil, `odd"name`)
	assert.Equal(t, `"odd""name"`, sink.table)
	assert.Contains(t, sink.insertQuery(), `INSERT INTO "odd""name"`)
	assert.Equal(t, `"generation_history"`, NewPostgresSink(nil, "").table)
}

func TestFileSinkFailedPersistDropsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.json")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	// a non-empty directory in place of the file makes the rename fail
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o755))
	require.NoError(t, sink.Append(Record{Prompt: "failed run", Backend: "gemini"}))
	assert.Error(t, sink.Persist())
	assert.Empty(t, sink.Records())

	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, sink.Append(Record{Prompt: "second run", Backend: "gemini"}))
	require.NoError(t, sink.Persist())
	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "second run", records[0].Prompt)
}

func TestFileSinkDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Append(Record{Prompt: "dropped"}))
	sink.Discard()
	require.NoError(t, sink.Persist())
	assert.Empty(t, sink.Records())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
