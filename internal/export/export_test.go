package export

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/clock/manual"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/storage/memory"
)

var now = time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)

func seededSink(t *testing.T) *memory.ResultStore {
	t.Helper()
	sink := memory.NewResultStore()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, harvest.ResultRecord{
		ExternalID: "a",
		Name:       "Acme Plumbing",
		City:       "Austin",
		Address:    "1 Main St, Austin, TX 78701, USA",
		Category:   "Plumber",
		Website:    "https://acme.example",
	}))
	require.NoError(t, sink.Upsert(ctx, harvest.ResultRecord{
		ExternalID: "b",
		Name:       "Pipes, Ltd",
		City:       "London",
		Address:    "10 Downing St, London SW1A 2AA, UK",
		MapsURL:    "https://maps.example/b",
	}))
	return sink
}

func TestExtractState(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"1 Main St, Austin, TX 78701, USA":      "TX",
		"500 Elm Ave, Suite 2, Boise, ID 83702": "ID",
		"22 Oak Rd, Reno, NV 89501-1234":        "NV",
		"10 Downing St, London SW1A 2AA, UK":    "",
		"Austin":                                "",
		"":                                      "",
	}
	for addr, want := range tests {
		assert.Equal(t, want, ExtractState(addr), addr)
	}
}

func TestExportWritesCSV(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	e := New(seededSink(t), blobs, manual.New(now), nil)

	res, err := e.Export(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "output_20240501_130405.csv", res.Name)
	assert.Equal(t, 2, res.Rows)

	data, ok := blobs.Object(res.Name)
	require.True(t, ok)
	assert.Equal(t, "text/csv; charset=utf-8", blobs.ContentType(res.Name))
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Contains(t, rows, []string{"Acme Plumbing", "Austin", "TX", "Plumber", "https://acme.example"})
	assert.Contains(t, rows, []string{"Pipes, Ltd", "London", "", "", "https://maps.example/b"})
}

func TestExportEmptySink(t *testing.T) {
	t.Parallel()

	e := New(memory.NewResultStore(), memory.NewBlobStore(), manual.New(now), nil)
	_, err := e.Export(context.Background(), "x.csv")
	require.ErrorIs(t, err, harvest.ErrNoRecords)
}

func TestFinishFlushesOnlyAfterConfirmedExport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	sink := seededSink(t)
	e := New(sink, memory.NewBlobStore(), manual.New(now), nil)
	_, flushed, err := e.Finish(ctx, "leads.csv", func(Result) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.False(t, flushed)
	n, _ := sink.Count(ctx)
	assert.EqualValues(t, 2, n)

	res, flushed, err := e.Finish(ctx, "leads.csv", func(r Result) (bool, error) {
		assert.Equal(t, 2, r.Rows)
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, "leads.csv", res.Name)
	n, _ = sink.Count(ctx)
	assert.Zero(t, n)
}

type brokenBlobs struct{}

func (brokenBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket not found")
}

func TestFinishNeverFlushesWhenExportFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := seededSink(t)
	e := New(sink, brokenBlobs{}, manual.New(now), nil)

	called := false
	_, flushed, err := e.Finish(ctx, "", func(Result) (bool, error) {
		called = true
		return true, nil
	})
	require.Error(t, err)
	assert.False(t, flushed)
	assert.False(t, called)
	n, _ := sink.Count(ctx)
	assert.EqualValues(t, 2, n)
}
