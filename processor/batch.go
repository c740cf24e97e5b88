package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "evecache/config"
	"evecache/decoder"
	"evecache/logger"
	"evecache/models"
	"evecache/reader"
)

// FileResult is the outcome of decoding one file. Err is set only when the
// file could not be loaded; per-stream failures live in File.Streams.
type FileResult struct {
	Path       string
	Digest     string
	Compressed bool
	Size       int
	File       *decoder.File
	Markets    []*models.MarketList
	Warnings   []RowWarning
	Err        error
	Duration   time.Duration
}

// Batch decodes many files on a bounded worker pool. Files share nothing, so
// each worker owns its cursor and per-stream tables.
type Batch struct {
	config    *appconfig.Config
	decoder   *decoder.Decoder
	extractor *Extractor
	mu        sync.Mutex
	running   bool
	log       *logger.Log
}

// NewBatch wires a batch runner. A nil extractor skips market extraction.
func NewBatch(cfg *appconfig.Config, dec *decoder.Decoder, ext *Extractor) *Batch {
	return &Batch{
		config:    cfg,
		decoder:   dec,
		extractor: ext,
		log:       logger.GetLogger(),
	}
}

// Run processes paths and returns one result per path, in input order. When
// ctx is cancelled, unstarted files get ctx.Err() as their error.
func (b *Batch) Run(ctx context.Context, paths []string) ([]*FileResult, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, fmt.Errorf("batch already running")
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	numWorkers := b.config.Batch.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(paths) {
		numWorkers = len(paths)
	}

	log := b.log.WithComponent("batch")
	log.WithFields(logger.Fields{"files": len(paths), "workers": numWorkers}).Info("starting batch")

	results := make([]*FileResult, len(paths))
	jobs := make(chan int)
	wg := &sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go b.worker(ctx, i, wg, jobs, paths, results)
	}

feed:
	for i := range paths {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for i, r := range results {
		if r == nil {
			results[i] = &FileResult{Path: paths[i], Err: ctx.Err()}
		}
	}
	return results, ctx.Err()
}

func (b *Batch) worker(ctx context.Context, workerID int, wg *sync.WaitGroup, jobs <-chan int, paths []string, results []*FileResult) {
	defer wg.Done()

	log := b.log.WithComponent("batch").WithFields(logger.Fields{"worker_id": workerID})
	log.Debug("starting batch worker")

	for i := range jobs {
		if ctx.Err() != nil {
			continue
		}
		results[i] = b.processFile(paths[i])
	}
	log.Debug("batch worker stopped")
}

func (b *Batch) processFile(path string) *FileResult {
	start := time.Now()
	res := &FileResult{Path: path}
	log := b.log.WithComponent("decoder").WithFields(logger.Fields{"path": path})

	f, err := reader.Load(path, b.config.Decoder.MaxFileBytes)
	if err != nil {
		res.Err = err
		logger.RecordFileFailure()
		log.WithError(err).Error("failed to load cache file")
		return res
	}
	res.Digest = f.Digest()
	res.Compressed = f.Compressed
	res.Size = f.Len()

	res.File = b.decoder.DecodeFile(f.Data)
	for i, s := range res.File.Streams {
		if s.Err != nil {
			log.WithError(s.Err).WithFields(logger.Fields{
				"stream": i,
				"offset": s.Offset,
			}).Error("failed to decode stream")
		}
	}
	logger.RecordFile(f.Len(), res.File.Count(), res.File.Failed())
	log.LogMetric("batch", "streams_decoded", res.File.Count()-res.File.Failed(), "counter", nil)
	if failed := res.File.Failed(); failed > 0 {
		log.LogMetric("batch", "stream_failures", failed, "counter", nil)
	}

	if b.extractor != nil {
		b.extractMarkets(res)
	}

	res.Duration = time.Since(start)
	logger.LogPerformanceEntry(log, "batch", "decode_file", res.Duration, logger.Fields{
		"path":       path,
		"digest":     res.Digest,
		"compressed": res.Compressed,
		"bytes":      res.Size,
		"streams":    res.File.Count(),
		"failures":   res.File.Failed(),
	})
	return res
}

func (b *Batch) extractMarkets(res *FileResult) {
	log := b.log.WithComponent("market").WithFields(logger.Fields{"path": res.Path})
	for i, s := range res.File.Streams {
		if s.Err != nil {
			continue
		}
		list, warnings, err := b.extractor.Extract(s.Root)
		if err != nil {
			logger.RecordMarketFailure()
			log.WithError(err).WithFields(logger.Fields{"stream": i}).Warn("not a valid orders stream")
			continue
		}
		list.Source = res.Path
		list.Stream = i
		res.Markets = append(res.Markets, list)
		res.Warnings = append(res.Warnings, warnings...)
		logger.RecordMarketList(list.Len(), len(warnings))

		log.WithFields(logger.Fields{
			"stream": i,
			"region": list.Region,
			"type":   list.Type,
			"time":   list.Time().Format("2006-01-02 15:04:05"),
			"sell":   len(list.Sell),
			"buy":    len(list.Buy),
		}).Info("market list extracted")
	}
}
