package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"evecache/config"
	"evecache/decoder"
	"evecache/logger"
	"evecache/processor"
	"evecache/writer"
)

type options struct {
	market     bool
	structure  bool
	configPath string
	format     string
	parquetDir string
	upload     bool
	workers    int
}

func usage(fs *flag.FlagSet, stderr io.Writer) func() {
	return func() {
		fmt.Fprintf(stderr, "Syntax: %s [options] [filenames+]\n", filepath.Base(os.Args[0]))
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
}

var errUsage = errors.New("usage")

// parseArgs reads the command line. With neither --market nor --structure
// the structure dump is selected.
func parseArgs(args []string, stderr io.Writer) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet("evecache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.market, "market", false, "Digest a market order file, converting it to CSV")
	fs.BoolVar(&opts.structure, "structure", false, "Print an AST of the cache file")
	fs.StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to configuration file")
	fs.StringVar(&opts.format, "format", "text", "Structure output format: text or cbor")
	fs.StringVar(&opts.parquetDir, "parquet-dir", "", "Write one parquet file per market list into this directory")
	fs.BoolVar(&opts.upload, "upload", false, "Upload exports to S3 (requires storage.s3.enabled)")
	fs.IntVar(&opts.workers, "workers", 0, "Files decoded in parallel (default from config)")
	fs.Usage = usage(fs, stderr)

	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fs.Usage()
		return opts, nil, errUsage
	}
	if !opts.market && !opts.structure {
		opts.structure = true
	}
	if opts.format != "text" && opts.format != "cbor" {
		fmt.Fprintf(stderr, "invalid --format %q\n", opts.format)
		return opts, nil, errUsage
	}
	return opts, paths, nil
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status: -1 for
// a usage error, 1 for a failed run and 0 otherwise. Files that fail to
// load are logged and skipped.
func run(args []string, stdout, stderr io.Writer) int {
	log := logger.GetLogger()

	opts, paths, err := parseArgs(args, stderr)
	if err != nil {
		return -1
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}
	if opts.workers > 0 {
		cfg.Batch.MaxWorkers = opts.workers
	}
	if opts.parquetDir != "" {
		cfg.Export.Parquet.Enabled = true
		cfg.Export.Parquet.Dir = opts.parquetDir
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	runID := uuid.NewString()
	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"run_id":  runID,
		"files":   len(paths),
	}).Info("starting evecache")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if err := process(ctx, stdout, cfg, opts, runID, paths); err != nil {
		log.WithError(err).Error("evecache failed")
		logger.LogReport(ctx, log, runID)
		return 1
	}
	logger.LogReport(ctx, log, runID)
	return 0
}

func process(ctx context.Context, stdout io.Writer, cfg *config.Config, opts options, runID string, paths []string) error {
	log := logger.GetLogger().WithComponent("main")

	decOpts, err := cfg.Decoder.Options()
	if err != nil {
		return err
	}
	dec := decoder.New(decOpts)

	var ext *processor.Extractor
	if opts.market {
		ext = processor.NewExtractor(processor.SchemaFromConfig(cfg.Market))
	}

	var parquet *writer.ParquetExporter
	if opts.market && cfg.Export.Parquet.Enabled {
		if parquet, err = writer.NewParquetExporter(cfg.Export.Parquet); err != nil {
			return err
		}
	}

	var uploader *writer.S3Uploader
	if opts.upload {
		if !cfg.Storage.S3.Enabled {
			log.Warn("--upload given but storage.s3 is disabled; skipping uploads")
		} else if uploader, err = writer.NewS3Uploader(ctx, cfg, runID); err != nil {
			return err
		}
	}

	results, err := processor.NewBatch(cfg, dec, ext).Run(ctx, paths)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	for _, res := range results {
		if res.Err != nil {
			// already logged by the batch; keep going with the next file
			continue
		}
		if opts.structure {
			if err := writeStructure(ctx, out, cfg, opts, uploader, res); err != nil {
				log.WithError(err).WithFields(logger.Fields{"path": res.Path}).Error("failed to write structure")
			}
		}
		if opts.market {
			writeMarkets(ctx, out, parquet, uploader, res)
		}
		out.WriteString("\n")
		if err := out.Flush(); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}

func writeStructure(ctx context.Context, out *bufio.Writer, cfg *config.Config, opts options, uploader *writer.S3Uploader, res *processor.FileResult) error {
	if opts.format == "text" {
		return writer.DumpFile(out, res.File)
	}

	data, err := writer.EncodeTree(res.File)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(res.Path), filepath.Ext(res.Path)) + ".cbor"
	if dir := cfg.Export.CBOR.Dir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cbor directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write cbor file: %w", err)
		}
	} else if _, err := out.Write(data); err != nil {
		return err
	}
	logger.RecordChannelMessage("cbor", len(data))

	if uploader != nil {
		if _, err := uploader.Upload(ctx, name, "application/cbor", res.Digest, data); err != nil {
			return err
		}
	}
	return nil
}

func writeMarkets(ctx context.Context, out *bufio.Writer, parquet *writer.ParquetExporter, uploader *writer.S3Uploader, res *processor.FileResult) {
	log := logger.GetLogger().WithComponent("writer").WithFields(logger.Fields{"path": res.Path})

	for _, list := range res.Markets {
		data, err := writer.MarketCSV(list)
		if err != nil {
			log.WithError(err).Error("failed to render csv")
			continue
		}
		if _, err := out.Write(data); err != nil {
			log.WithError(err).Error("failed to write csv")
			continue
		}
		logger.RecordChannelMessage("csv", len(data))
		logger.LogDataFlowEntry(log, "market", "stdout", list.Len(), "orders")

		if uploader != nil {
			if _, err := uploader.Upload(ctx, writer.FileName(list, res.Digest, "csv"), "text/csv", res.Digest, data); err != nil {
				log.WithError(err).Error("failed to upload csv")
			}
		}

		if parquet == nil {
			continue
		}
		_, pq, err := parquet.WriteFile(list, res.Digest)
		if err != nil {
			log.WithError(err).Error("failed to export parquet")
			continue
		}
		if uploader != nil {
			if _, err := uploader.Upload(ctx, writer.FileName(list, res.Digest, "parquet"), "application/octet-stream", res.Digest, pq); err != nil {
				log.WithError(err).Error("failed to upload parquet")
			}
		}
	}
}
