package logger

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v4/process"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	filesRead      int64
	filesFailed    int64
	streamsDecoded int64
	streamsFailed  int64
	marketLists    int64
	marketFailures int64
	ordersRead     int64
	rowsSkipped    int64
	warnCounts     sync.Map // map[string]*int64
	errorCounts    sync.Map // map[string]*int64
	channels       sync.Map // map[string]*channelStat
	reportStart    = time.Now()
)

func recordWarn(component string) {
	incr(&warnCounts, component)
}

func recordError(component string) {
	incr(&errorCounts, component)
}

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordFile counts a loaded file and the outcome of its streams.
func RecordFile(size, streams, failed int) {
	atomic.AddInt64(&filesRead, 1)
	atomic.AddInt64(&streamsDecoded, int64(streams-failed))
	atomic.AddInt64(&streamsFailed, int64(failed))
	recordChannel("file_read", size)
}

// RecordFileFailure counts a file that could not be loaded at all.
func RecordFileFailure() {
	atomic.AddInt64(&filesFailed, 1)
}

// RecordMarketList counts one extracted market list.
func RecordMarketList(orders, skipped int) {
	atomic.AddInt64(&marketLists, 1)
	atomic.AddInt64(&ordersRead, int64(orders))
	atomic.AddInt64(&rowsSkipped, int64(skipped))
}

// RecordMarketFailure counts a stream that carried no market envelope.
func RecordMarketFailure() {
	atomic.AddInt64(&marketFailures, 1)
}

// RecordChannelMessage counts bytes moved through a named output such as
// "csv", "parquet" or "s3_upload".
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Report is a point in time copy of the batch counters.
type Report struct {
	Files          int64
	FileFailures   int64
	Streams        int64
	StreamFailures int64
	MarketLists    int64
	MarketFailures int64
	Orders         int64
	SkippedRows    int64
	Warnings       map[string]int64
	Errors         map[string]int64
	Channels       map[string]map[string]int64
	Elapsed        time.Duration
}

func Snapshot() Report {
	r := Report{
		Files:          atomic.LoadInt64(&filesRead),
		FileFailures:   atomic.LoadInt64(&filesFailed),
		Streams:        atomic.LoadInt64(&streamsDecoded),
		StreamFailures: atomic.LoadInt64(&streamsFailed),
		MarketLists:    atomic.LoadInt64(&marketLists),
		MarketFailures: atomic.LoadInt64(&marketFailures),
		Orders:         atomic.LoadInt64(&ordersRead),
		SkippedRows:    atomic.LoadInt64(&rowsSkipped),
		Warnings:       loadCounts(&warnCounts),
		Errors:         loadCounts(&errorCounts),
		Channels:       map[string]map[string]int64{},
		Elapsed:        time.Since(reportStart),
	}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		r.Channels[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return r
}

func loadCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// ResetReport zeroes every counter and restarts the elapsed clock.
func ResetReport() {
	for _, p := range []*int64{&filesRead, &filesFailed, &streamsDecoded, &streamsFailed,
		&marketLists, &marketFailures, &ordersRead, &rowsSkipped} {
		atomic.StoreInt64(p, 0)
	}
	for _, m := range []*sync.Map{&warnCounts, &errorCounts, &channels} {
		m.Range(func(k, _ any) bool {
			m.Delete(k)
			return true
		})
	}
	reportStart = time.Now()
}

// StartReport logs progress at a fixed interval until ctx is done. Useful for
// long batches; the final report is written by LogReport.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				r := Snapshot()
				log.WithComponent("report").WithFields(Fields{
					"files":   r.Files,
					"streams": r.Streams,
					"orders":  r.Orders,
				}).Info("batch progress")
			}
		}
	}()
}

// LogReport writes the end of batch summary and publishes it to CloudWatch
// when a client is configured.
func LogReport(ctx context.Context, log *Log, runID string) Report {
	r := Snapshot()

	var rssMB int64
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			rssMB = int64(mi.RSS) / 1024 / 1024
		}
	}

	log.WithComponent("report").WithFields(Fields{
		"run_id":          runID,
		"files":           r.Files,
		"file_failures":   r.FileFailures,
		"streams":         r.Streams,
		"stream_failures": r.StreamFailures,
		"market_lists":    r.MarketLists,
		"market_failures": r.MarketFailures,
		"orders":          r.Orders,
		"skipped_rows":    r.SkippedRows,
		"warnings":        r.Warnings,
		"errors":          r.Errors,
		"channels":        r.Channels,
		"goroutines":      runtime.NumGoroutine(),
		"rss_mb":          rssMB,
		"elapsed_ms":      r.Elapsed.Milliseconds(),
	}).Info("batch report")

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String("report")}}
	datum := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
		}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{
		datum("FilesRead", r.Files),
		datum("FileFailures", r.FileFailures),
		datum("StreamsDecoded", r.Streams),
		datum("StreamFailures", r.StreamFailures),
		datum("MarketLists", r.MarketLists),
		datum("OrdersExtracted", r.Orders),
		datum("RowsSkipped", r.SkippedRows),
		{
			MetricName: aws.String("RSSMB"),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitMegabytes,
			Value:      aws.Float64(float64(rssMB)),
		},
	})
	return r
}
