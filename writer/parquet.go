package writer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "evecache/config"
	"evecache/logger"
	"evecache/models"
)

// OrderRecord is one market order row in the parquet export. Price is kept
// as a decimal string so no precision is lost.
type OrderRecord struct {
	SourceDigest  string  `parquet:"name=source_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stream        int32   `parquet:"name=stream, type=INT32"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64"`
	Price         string  `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	VolRemaining  int64   `parquet:"name=vol_remaining, type=INT64"`
	TypeID        int64   `parquet:"name=type_id, type=INT64"`
	Range         int64   `parquet:"name=range, type=INT64"`
	OrderID       int64   `parquet:"name=order_id, type=INT64"`
	VolEntered    int64   `parquet:"name=vol_entered, type=INT64"`
	MinVolume     int64   `parquet:"name=min_volume, type=INT64"`
	Bid           bool    `parquet:"name=bid, type=BOOLEAN"`
	Issued        int64   `parquet:"name=issued, type=INT64"`
	Duration      int64   `parquet:"name=duration, type=INT64"`
	StationID     int64   `parquet:"name=station_id, type=INT64"`
	RegionID      int64   `parquet:"name=region_id, type=INT64"`
	SolarSystemID int64   `parquet:"name=solar_system_id, type=INT64"`
	Jumps         int64   `parquet:"name=jumps, type=INT64"`
}

// memoryFileWriter implements ParquetFile for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error)            { return int64(mfw.buffer.Len()), nil }
func (mfw *memoryFileWriter) Read(b []byte) (int, error)                { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error)               { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                              { return nil }
func (mfw *memoryFileWriter) Bytes() []byte                             { return mfw.buffer.Bytes() }

// ParquetExporter turns market lists into parquet files.
type ParquetExporter struct {
	config appconfig.ParquetConfig
	codec  parquet.CompressionCodec
	log    *logger.Log
}

func NewParquetExporter(cfg appconfig.ParquetConfig) (*ParquetExporter, error) {
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &ParquetExporter{config: cfg, codec: codec, log: logger.GetLogger()}, nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "lz4":
		return parquet.CompressionCodec_LZ4, nil
	case "zstd":
		return parquet.CompressionCodec_ZSTD, nil
	case "uncompressed", "none":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return parquet.CompressionCodec_UNCOMPRESSED, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// Encode renders list as a parquet file in memory. digest identifies the
// source cache file.
func (e *ParquetExporter) Encode(list *models.MarketList, digest string) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(OrderRecord), e.config.Parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = e.codec

	for _, o := range list.Orders() {
		record := OrderRecord{
			SourceDigest:  digest,
			Stream:        int32(list.Stream),
			Timestamp:     list.Timestamp,
			Price:         o.Price.String(),
			VolRemaining:  o.VolRemaining,
			TypeID:        o.TypeID,
			Range:         o.Range,
			OrderID:       o.OrderID,
			VolEntered:    o.VolEntered,
			MinVolume:     o.MinVolume,
			Bid:           o.Bid,
			Issued:        o.Issued,
			Duration:      o.Duration,
			StationID:     o.StationID,
			RegionID:      o.RegionID,
			SolarSystemID: o.SolarSystemID,
			Jumps:         o.Jumps,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()
	logger.RecordChannelMessage("parquet", len(data))
	e.log.WithComponent("writer").WithFields(logger.Fields{
		"rows":        list.Len(),
		"file_size":   len(data),
		"compression": e.config.Compression,
	}).Debug("parquet file created")
	return data, nil
}

// FileName is the export name for list: region, type and the stream's
// position in its source file.
func FileName(list *models.MarketList, digest, ext string) string {
	short := digest
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("market_%d_%d_%s_%d.%s", list.Region, list.Type, short, list.Stream, ext)
}

// WriteFile encodes list into the configured directory and returns the
// written path.
func (e *ParquetExporter) WriteFile(list *models.MarketList, digest string) (string, []byte, error) {
	data, err := e.Encode(list, digest)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(e.config.Dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(e.config.Dir, FileName(list, digest, "parquet"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("failed to write parquet file: %w", err)
	}
	e.log.WithComponent("writer").WithFields(logger.Fields{
		"path":   path,
		"orders": list.Len(),
	}).Info("parquet export written")
	return path, data, nil
}
