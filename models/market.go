package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// ORDERS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// MarketOrder is one standing buy or sell order from a market cache file.
type MarketOrder struct {
	Price         decimal.Decimal `json:"price"`
	VolRemaining  int64           `json:"volRemaining"`
	TypeID        int64           `json:"typeID"`
	Range         int64           `json:"range"`
	OrderID       int64           `json:"orderID"`
	VolEntered    int64           `json:"volEntered"`
	MinVolume     int64           `json:"minVolume"`
	Bid           bool            `json:"bid"`
	Issued        int64           `json:"issued"` // FILETIME, 100ns ticks since 1601-01-01 UTC
	Duration      int64           `json:"duration"`
	StationID     int64           `json:"stationID"`
	RegionID      int64           `json:"regionID"`
	SolarSystemID int64           `json:"solarSystemID"`
	Jumps         int64           `json:"jumps"`
}

// IssuedTime converts the FILETIME issue stamp.
func (o MarketOrder) IssuedTime() time.Time {
	return FiletimeToTime(o.Issued)
}

// MarketList is every order of one item type in one region at one moment.
type MarketList struct {
	Region    int64         `json:"region"`
	Type      int64         `json:"type"`
	Timestamp int64         `json:"timestamp"` // FILETIME
	Sell      []MarketOrder `json:"sell"`
	Buy       []MarketOrder `json:"buy"`

	// Source is the file the list was extracted from, Stream its index there.
	Source string `json:"source,omitempty"`
	Stream int    `json:"stream"`
}

func (l *MarketList) Time() time.Time {
	return FiletimeToTime(l.Timestamp)
}

// Len is the number of orders on both sides.
func (l *MarketList) Len() int {
	return len(l.Sell) + len(l.Buy)
}

// Orders returns sell orders followed by buy orders.
func (l *MarketList) Orders() []MarketOrder {
	out := make([]MarketOrder, 0, l.Len())
	out = append(out, l.Sell...)
	return append(out, l.Buy...)
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// CSV /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CSVHeader is the fixed market export column order.
var CSVHeader = []string{
	"price", "volRemaining", "typeID", "range", "orderID", "volEntered", "minVolume",
	"bid", "issued", "duration", "stationID", "regionID", "solarSystemID", "jumps",
}

// CSVRecord renders the order in CSVHeader order.
func (o MarketOrder) CSVRecord() []string {
	bid := "False"
	if o.Bid {
		bid = "True"
	}
	return []string{
		o.Price.StringFixed(2),
		strconv.FormatInt(o.VolRemaining, 10),
		strconv.FormatInt(o.TypeID, 10),
		strconv.FormatInt(o.Range, 10),
		strconv.FormatInt(o.OrderID, 10),
		strconv.FormatInt(o.VolEntered, 10),
		strconv.FormatInt(o.MinVolume, 10),
		bid,
		strconv.FormatInt(o.Issued, 10),
		strconv.FormatInt(o.Duration, 10),
		strconv.FormatInt(o.StationID, 10),
		strconv.FormatInt(o.RegionID, 10),
		strconv.FormatInt(o.SolarSystemID, 10),
		strconv.FormatInt(o.Jumps, 10),
	}
}

// CSVRecords renders sell orders first, then buy orders.
func (l *MarketList) CSVRecords() [][]string {
	out := make([][]string, 0, l.Len())
	for _, o := range l.Orders() {
		out = append(out, o.CSVRecord())
	}
	return out
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// FILETIME //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// filetimeUnixEpoch is 1970-01-01 in FILETIME ticks.
const (
	filetimeUnixEpoch = 116444736000000000
	ticksPerSecond    = 10000000
)

// FiletimeToTime converts 100ns ticks since 1601-01-01 to UTC time.
func FiletimeToTime(ft int64) time.Time {
	d := ft - filetimeUnixEpoch
	sec, rem := d/ticksPerSecond, d%ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*100).UTC()
}

func TimeToFiletime(t time.Time) int64 {
	return t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100 + filetimeUnixEpoch
}
