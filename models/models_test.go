package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFiletimeConversion(t *testing.T) {
	ts := time.Date(2010, 3, 14, 12, 30, 15, 500, time.UTC)
	ft := TimeToFiletime(ts)
	back := FiletimeToTime(ft)
	if !back.Equal(ts.Truncate(100 * time.Nanosecond)) {
		t.Fatalf("round trip mismatch: %v != %v", back, ts)
	}

	if got := FiletimeToTime(filetimeUnixEpoch); !got.Equal(time.Unix(0, 0)) {
		t.Fatalf("epoch mismatch: %v", got)
	}
	if got := FiletimeToTime(0); got.Year() != 1601 {
		t.Fatalf("expected year 1601, got %v", got)
	}
}

func TestCSVRecord(t *testing.T) {
	o := MarketOrder{
		Price:         decimal.RequireFromString("5"),
		VolRemaining:  10,
		TypeID:        34,
		OrderID:       1,
		VolEntered:    10,
		MinVolume:     1,
		Issued:        129000000000000000,
		Duration:      90,
		StationID:     60003760,
		RegionID:      10000002,
		SolarSystemID: 30000142,
	}
	want := "5.00,10,34,0,1,10,1,False,129000000000000000,90,60003760,10000002,30000142,0"
	if got := strings.Join(o.CSVRecord(), ","); got != want {
		t.Fatalf("unexpected record:\n got %s\nwant %s", got, want)
	}
	if len(o.CSVRecord()) != len(CSVHeader) {
		t.Fatalf("record has %d fields, header %d", len(o.CSVRecord()), len(CSVHeader))
	}

	o.Bid = true
	if got := o.CSVRecord()[7]; got != "True" {
		t.Fatalf("bid rendered as %q", got)
	}
}

func TestMarketListOrdersSellFirst(t *testing.T) {
	l := MarketList{
		Sell: []MarketOrder{{OrderID: 1}},
		Buy:  []MarketOrder{{OrderID: 2, Bid: true}, {OrderID: 3, Bid: true}},
	}
	orders := l.Orders()
	if l.Len() != 3 || len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	if orders[0].OrderID != 1 || orders[1].OrderID != 2 || orders[2].OrderID != 3 {
		t.Fatalf("unexpected order: %+v", orders)
	}
	if recs := l.CSVRecords(); recs[0][4] != "1" || recs[2][4] != "3" {
		t.Fatalf("unexpected records: %v", recs)
	}
}

func TestMarketOrderJSON(t *testing.T) {
	o := MarketOrder{Price: decimal.RequireFromString("1234.56"), TypeID: 34, Bid: true}
	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out MarketOrder
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Price.Equal(o.Price) || out.TypeID != o.TypeID || out.Bid != o.Bid {
		t.Fatalf("round trip mismatch: %+v != %+v", o, out)
	}
}
