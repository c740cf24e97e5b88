package writer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"

	appconfig "evecache/config"
	"evecache/decoder"
	"evecache/models"
)

func sampleTree() decoder.Node {
	shared := &decoder.String{Value: "shared"}
	return &decoder.List{Tuple: true, Items: []decoder.Node{
		&decoder.Int{Value: 1, Width: 4},
		&decoder.Dict{Pairs: []decoder.Pair{
			{Key: &decoder.String{Value: "a"}, Value: &decoder.Bool{Value: true}},
		}},
		shared,
		&decoder.Reference{Index: 1, Target: shared},
	}}
}

func sampleList() *models.MarketList {
	order := func(id int64, bid bool, price string) models.MarketOrder {
		return models.MarketOrder{
			Price:         decimal.RequireFromString(price),
			VolRemaining:  10,
			TypeID:        34,
			OrderID:       id,
			VolEntered:    10,
			MinVolume:     1,
			Bid:           bid,
			Issued:        129123456000000000,
			Duration:      90,
			StationID:     60003760,
			RegionID:      10000002,
			SolarSystemID: 30000142,
		}
	}
	return &models.MarketList{
		Region:    10000002,
		Type:      34,
		Timestamp: 129123456000000000,
		Sell:      []models.MarketOrder{order(1, false, "5.5")},
		Buy:       []models.MarketOrder{order(2, true, "4.25")},
		Stream:    1,
	}
}

func TestDumpStructure(t *testing.T) {
	var buf bytes.Buffer
	if err := DumpStructure(&buf, sampleTree()); err != nil {
		t.Fatalf("dump: %v", err)
	}
	want := strings.Join([]string{
		"<tuple len=4>",
		" (",
		"  <int 1>",
		"  <dict len=1>",
		"   (",
		`    <string "a">`,
		"    <bool true>",
		"   )",
		`  <string "shared">`,
		"  <ref 1>",
		" )",
		"",
	}, "\n")
	if buf.String() != want {
		t.Fatalf("unexpected dump:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestDumpFileSkipsFailedStreams(t *testing.T) {
	f := &decoder.File{Streams: []*decoder.Stream{
		{Offset: 0, Root: &decoder.Int{Value: 7}},
		{Offset: 6, Err: errors.New("boom")},
		{Offset: 12, Root: &decoder.None{}},
	}}
	var buf bytes.Buffer
	if err := DumpFile(&buf, f); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if buf.String() != "<int 7>\n<none>\n" {
		t.Fatalf("unexpected dump %q", buf.String())
	}
}

func TestWriteMarketCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMarketCSV(&buf, sampleList()); err != nil {
		t.Fatalf("csv: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d lines", len(lines))
	}
	if lines[0] != "price,volRemaining,typeID,range,orderID,volEntered,minVolume,bid,issued,duration,stationID,regionID,solarSystemID,jumps" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "5.50,10,34,0,1,") || !strings.Contains(lines[1], ",False,") {
		t.Fatalf("sell row should come first, got %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "4.25,10,34,0,2,") || !strings.Contains(lines[2], ",True,") {
		t.Fatalf("unexpected buy row %q", lines[2])
	}
}

func TestEncodeTreeDeterministic(t *testing.T) {
	f := &decoder.File{Streams: []*decoder.Stream{
		{Offset: 0, Root: sampleTree()},
		{Offset: 40, Err: errors.New("bad tag")},
	}}
	first, err := EncodeTree(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := EncodeTree(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("encoding is not deterministic")
	}

	var doc TreeFile
	if err := cbor.Unmarshal(first, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(doc.Streams))
	}
	root := doc.Streams[0].Root
	if root == nil || root.Kind != "tuple" || len(root.Children) != 4 {
		t.Fatalf("unexpected root %+v", root)
	}
	if root.Children[1].Kind != "dict" || len(root.Children[1].Children) != 2 {
		t.Fatalf("unexpected dict %+v", root.Children[1])
	}
	if ref := root.Children[3]; ref.Kind != "ref" || ref.Index != 1 || len(ref.Children) != 0 {
		t.Fatalf("unexpected reference %+v", ref)
	}
	if doc.Streams[1].Offset != 40 || doc.Streams[1].Error != "bad tag" || doc.Streams[1].Root != nil {
		t.Fatalf("unexpected failed stream %+v", doc.Streams[1])
	}
}

func TestBuildTreeRow(t *testing.T) {
	row := &decoder.Row{
		Columns: []string{"price", "bid"},
		Values:  []decoder.Node{&decoder.Currency{Units: 50000}, &decoder.Bool{Value: true}},
	}
	tree := BuildTree(row)
	if tree.Kind != "row" || len(tree.Columns) != 2 || len(tree.Children) != 2 {
		t.Fatalf("unexpected row %+v", tree)
	}
	if tree.Children[0].Kind != "currency" || tree.Children[0].Value != int64(50000) {
		t.Fatalf("unexpected price %+v", tree.Children[0])
	}
}

func TestParquetExporter(t *testing.T) {
	dir := t.TempDir()
	e, err := NewParquetExporter(appconfig.ParquetConfig{Enabled: true, Dir: dir, Compression: "snappy", Parallelism: 2})
	if err != nil {
		t.Fatalf("exporter: %v", err)
	}
	path, data, err := e.WriteFile(sampleList(), "0123456789abcdef0123")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "market_10000002_34_0123456789ab_1.parquet" {
		t.Fatalf("unexpected file name %s", path)
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatalf("output is not a parquet file")
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Fatalf("file contents differ from encoded bytes")
	}
}

func TestParquetExporterRejectsCompression(t *testing.T) {
	if _, err := NewParquetExporter(appconfig.ParquetConfig{Compression: "brotli9"}); err == nil {
		t.Fatalf("expected unsupported compression error")
	}
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	var buf bytes.Buffer
	buf.ReadFrom(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, buf.Bytes())
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderUpload(t *testing.T) {
	fake := &fakePutter{}
	cfg := appconfig.S3Config{Bucket: "eve-exports", Prefix: "/evecache/", UploadsPerSecond: 100, Burst: 10}
	u := newS3Uploader(cfg, "1.0", "run-1", fake)
	u.now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }

	key, err := u.Upload(context.Background(), "market.csv", "text/csv", "abc", []byte("x,y\n"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "evecache/2024/03/05/run-1/market.csv" {
		t.Fatalf("unexpected key %s", key)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected one put, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if *in.Bucket != "eve-exports" || *in.ContentType != "text/csv" || in.Metadata["source-digest"] != "abc" {
		t.Fatalf("unexpected input %+v", in)
	}
	if string(fake.bodies[0]) != "x,y\n" {
		t.Fatalf("unexpected body %q", fake.bodies[0])
	}
}

func TestS3UploaderErrors(t *testing.T) {
	fake := &fakePutter{err: errors.New("denied")}
	u := newS3Uploader(appconfig.S3Config{Bucket: "eve-exports"}, "1.0", "run-1", fake)
	u.now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }

	if got := u.Key("a.parquet"); got != "2024/03/05/run-1/a.parquet" {
		t.Fatalf("unexpected key without prefix %s", got)
	}
	if _, err := u.Upload(context.Background(), "a.parquet", "application/octet-stream", "", nil); err == nil {
		t.Fatalf("expected put error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	u.limiter.SetBurst(0)
	if _, err := u.Upload(ctx, "b.parquet", "application/octet-stream", "", nil); err == nil {
		t.Fatalf("expected cancelled wait to fail")
	}
}
