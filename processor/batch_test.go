package processor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	appconfig "evecache/config"
	"evecache/decoder"
	"evecache/logger"
	"evecache/reader"
)

func batchConfig() *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Batch.MaxWorkers = 2
	return &cfg
}

func writeCache(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestBatchRunKeepsInputOrder(t *testing.T) {
	dir := t.TempDir()
	market := writeCache(t, dir, "market.cache", encStream(encDict(
		encStr("regionID"), encInt(10000002),
		encStr("sellOrders"), encTuple(orderRow(1, false)),
	)))
	plain := writeCache(t, dir, "plain.cache", cat(encStream(encInt(7)), encStream(encStr("x"))))
	missing := filepath.Join(dir, "missing.cache")

	b := NewBatch(batchConfig(), decoder.New(decoder.DefaultOptions()), NewExtractor(DefaultSchema()))
	results, err := b.Run(context.Background(), []string{market, missing, plain})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, market, results[0].Path)
	require.NoError(t, results[0].Err)
	require.NotEmpty(t, results[0].Digest)
	require.Equal(t, 1, results[0].File.Count())
	require.Len(t, results[0].Markets, 1)
	require.Equal(t, market, results[0].Markets[0].Source)
	require.Equal(t, 0, results[0].Markets[0].Stream)
	require.Len(t, results[0].Markets[0].Sell, 1)

	require.Equal(t, missing, results[1].Path)
	require.ErrorIs(t, results[1].Err, reader.ErrIoUnavailable)
	require.Nil(t, results[1].File)

	require.Equal(t, plain, results[2].Path)
	require.Equal(t, 2, results[2].File.Count())
	require.Zero(t, results[2].File.Failed())
	require.Empty(t, results[2].Markets)
}

func TestBatchRunWithoutExtractor(t *testing.T) {
	dir := t.TempDir()
	path := writeCache(t, dir, "market.cache", encStream(encDict(
		encStr("sellOrders"), encTuple(orderRow(1, false)),
	)))

	b := NewBatch(batchConfig(), decoder.New(decoder.DefaultOptions()), nil)
	results, err := b.Run(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].File.Count())
	require.Empty(t, results[0].Markets)
}

func TestBatchRunRecordsStreamFailures(t *testing.T) {
	dir := t.TempDir()
	// unknown tag 0x3f inside the second stream
	path := writeCache(t, dir, "broken.cache", cat(encStream(encInt(1)), []byte{decoder.StreamStart}, le32(0), []byte{0x3f}))

	b := NewBatch(batchConfig(), decoder.New(decoder.DefaultOptions()), nil)
	results, err := b.Run(context.Background(), []string{path})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Equal(t, 1, results[0].File.Failed())
	require.ErrorIs(t, results[0].File.Streams[1].Err, decoder.ErrMalformedStream)
}

func TestBatchProcessFileLogsStreamMetrics(t *testing.T) {
	dir := t.TempDir()
	path := writeCache(t, dir, "broken.cache", cat(encStream(encInt(1)), encStream(encInt(2)), []byte{decoder.StreamStart}, le32(0), []byte{0x3f}))

	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	b := NewBatch(batchConfig(), decoder.New(decoder.DefaultOptions()), nil)
	b.log = logger.Logger()
	b.log.SetOutput(&buf)

	res := b.processFile(path)
	require.NoError(t, res.Err)

	out := buf.String()
	require.Contains(t, out, `"metric":"streams_decoded"`)
	require.Contains(t, out, `"metric":"stream_failures"`)
	require.Contains(t, out, `"value":2`)
	require.Contains(t, out, `"value":1`)
	require.Contains(t, out, `"metric_type":"counter"`)
}

func TestBatchRunCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeCache(t, dir, "a.cache", encStream(encInt(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatch(batchConfig(), decoder.New(decoder.DefaultOptions()), nil)
	results, err := b.Run(ctx, []string{path, path})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, path, r.Path)
		require.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestBatchRunEmpty(t *testing.T) {
	b := NewBatch(batchConfig(), decoder.New(decoder.DefaultOptions()), nil)
	results, err := b.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
