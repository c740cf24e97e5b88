package processor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	appconfig "evecache/config"
	"evecache/decoder"
	"evecache/logger"
	"evecache/models"
)

// ErrSchemaMismatch reports a tree that carries no market envelope.
var ErrSchemaMismatch = errors.New("schema mismatch")

// orderFields is the positional field order of an order row, which is also
// the CSV column order.
var orderFields = models.CSVHeader

// maxWalkNodes caps how much of a tree the envelope search visits.
const maxWalkNodes = 1 << 20

// Schema names the keys a keyed envelope may use for each part.
type Schema struct {
	Method        string
	RegionKeys    []string
	TypeKeys      []string
	TimestampKeys []string
	SellKeys      []string
	BuyKeys       []string
}

func SchemaFromConfig(cfg appconfig.MarketConfig) Schema {
	return Schema{
		Method:        cfg.Method,
		RegionKeys:    cfg.RegionKeys,
		TypeKeys:      cfg.TypeKeys,
		TimestampKeys: cfg.TimestampKeys,
		SellKeys:      cfg.SellKeys,
		BuyKeys:       cfg.BuyKeys,
	}
}

func DefaultSchema() Schema {
	return SchemaFromConfig(appconfig.Default().Market)
}

// RowWarning describes a row dropped during extraction.
type RowWarning struct {
	Side   string
	Index  int
	Reason string
}

func (w RowWarning) String() string {
	return fmt.Sprintf("%s row %d: %s", w.Side, w.Index, w.Reason)
}

// Extractor finds market order lists in decoded trees. It never modifies the
// tree it reads.
type Extractor struct {
	schema Schema
	log    *logger.Log
}

func NewExtractor(schema Schema) *Extractor {
	return &Extractor{schema: schema, log: logger.GetLogger()}
}

// Extract builds a MarketList from root. Rows with the wrong shape are dropped
// and reported as warnings; a tree without any order collection fails with
// ErrSchemaMismatch.
func (e *Extractor) Extract(root decoder.Node) (*models.MarketList, []RowWarning, error) {
	if root == nil {
		return nil, nil, fmt.Errorf("%w: empty stream", ErrSchemaMismatch)
	}

	env, ok := e.findKeyed(root)
	if !ok {
		env, ok = e.findNative(root)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: no buy or sell order collections", ErrSchemaMismatch)
	}

	list := &models.MarketList{Region: env.region, Type: env.typ, Timestamp: env.timestamp}
	var warnings []RowWarning
	collect := func(side string, rows []decoder.Node, split bool) {
		for i, row := range rows {
			o, err := parseOrder(row)
			if err != nil {
				w := RowWarning{Side: side, Index: i, Reason: err.Error()}
				warnings = append(warnings, w)
				e.log.WithComponent("market").WithFields(logger.Fields{
					"side":   side,
					"row":    i,
					"reason": w.Reason,
				}).Warn("skipping malformed order row")
				continue
			}
			if (split && o.Bid) || side == "buy" {
				list.Buy = append(list.Buy, o)
			} else {
				list.Sell = append(list.Sell, o)
			}
		}
	}
	collect("sell", env.sell, env.split)
	collect("buy", env.buy, false)

	if first := list.Orders(); len(first) > 0 {
		if list.Region == 0 {
			list.Region = first[0].RegionID
		}
		if list.Type == 0 {
			list.Type = first[0].TypeID
		}
	}
	return list, warnings, nil
}

type envelope struct {
	region, typ, timestamp int64
	sell, buy              []decoder.Node
	// split sorts a single mixed collection by each row's bid flag.
	split bool
}

// walk visits the tree breadth first, nearest to the root first.
func walk(root decoder.Node, visit func(decoder.Node) bool) {
	queue := []decoder.Node{root}
	for n := 0; len(queue) > 0 && n < maxWalkNodes; n++ {
		node := queue[0]
		queue = queue[1:]
		if node == nil {
			continue
		}
		if visit(node) {
			return
		}
		queue = append(queue, node.Children()...)
	}
}

// keyedView returns a key lookup for dict shaped nodes.
func keyedView(n decoder.Node) (func(string) (decoder.Node, bool), bool) {
	switch v := decoder.Deref(n).(type) {
	case *decoder.Dict:
		return v.Get, true
	case *decoder.Row:
		return v.Get, true
	case *decoder.Object:
		for _, f := range v.Fields {
			if d, ok := decoder.Deref(f).(*decoder.Dict); ok && len(d.Pairs) > 0 {
				return d.Get, true
			}
		}
	}
	return nil, false
}

func lookupAny(get func(string) (decoder.Node, bool), keys []string) (decoder.Node, bool) {
	for _, k := range keys {
		if v, ok := get(k); ok {
			return v, true
		}
	}
	return nil, false
}

func (e *Extractor) findKeyed(root decoder.Node) (envelope, bool) {
	var env envelope
	found := false
	walk(root, func(n decoder.Node) bool {
		get, ok := keyedView(n)
		if !ok {
			return false
		}
		sell, hasSell := lookupAny(get, e.schema.SellKeys)
		buy, hasBuy := lookupAny(get, e.schema.BuyKeys)
		if !hasSell && !hasBuy {
			return false
		}
		if hasSell {
			env.sell = rowsOf(sell)
		}
		if hasBuy {
			env.buy = rowsOf(buy)
		}
		if v, ok := lookupAny(get, e.schema.RegionKeys); ok {
			env.region, _ = decoder.AsInt(v)
		}
		if v, ok := lookupAny(get, e.schema.TypeKeys); ok {
			env.typ, _ = decoder.AsInt(v)
		}
		if v, ok := lookupAny(get, e.schema.TimestampKeys); ok {
			env.timestamp = timestampOf(v)
		}
		found = true
		return true
	})
	return env, found
}

// findNative matches the client's cached call result: a key tuple
// (service, method, regionID, typeID) next to a dict holding "version" and
// "lret".
func (e *Extractor) findNative(root decoder.Node) (envelope, bool) {
	var env envelope
	var lret decoder.Node
	haveCall := false
	walk(root, func(n decoder.Node) bool {
		switch v := decoder.Deref(n).(type) {
		case *decoder.List:
			if !haveCall {
				if region, typ, ok := e.callKey(v); ok {
					env.region, env.typ = region, typ
					haveCall = true
				}
			}
		case *decoder.Dict:
			if lret == nil {
				if l, ok := v.Get("lret"); ok {
					lret = l
					if ver, ok := v.Get("version"); ok {
						env.timestamp = timestampOf(ver)
					}
				}
			}
		}
		return haveCall && lret != nil
	})
	if lret == nil {
		return env, false
	}

	l, ok := decoder.Deref(lret).(*decoder.List)
	if !ok {
		if rows := rowsOf(lret); rows != nil {
			env.sell, env.split = rows, true
			return env, true
		}
		return env, false
	}
	if len(l.Items) == 2 && isCollection(l.Items[0]) && isCollection(l.Items[1]) {
		env.sell = rowsOf(l.Items[0])
		env.buy = rowsOf(l.Items[1])
		return env, true
	}
	env.sell, env.split = l.Items, true
	return env, true
}

func (e *Extractor) callKey(l *decoder.List) (int64, int64, bool) {
	for i := 0; i+2 < len(l.Items); i++ {
		s, ok := decoder.AsString(l.Items[i])
		if !ok || s != e.schema.Method {
			continue
		}
		region, ok1 := decoder.AsInt(l.Items[i+1])
		typ, ok2 := decoder.AsInt(l.Items[i+2])
		if ok1 && ok2 {
			return region, typ, true
		}
	}
	return 0, 0, false
}

// isCollection reports whether n holds rows rather than being a row itself.
func isCollection(n decoder.Node) bool {
	switch v := decoder.Deref(n).(type) {
	case *decoder.List:
		if len(v.Items) == 0 {
			return true
		}
		switch decoder.Deref(v.Items[0]).(type) {
		case *decoder.List, *decoder.Row, *decoder.Dict, *decoder.Object:
			return true
		}
	case *decoder.Object:
		if _, ok := objectRowFields(v); ok {
			return false
		}
		return rowsOf(v) != nil
	}
	return false
}

// objectRowFields returns the positional fields of an object that is itself
// an order row: either the fields directly, or a single argument tuple as
// produced for plain objects.
func objectRowFields(o *decoder.Object) ([]decoder.Node, bool) {
	if len(o.Fields) == len(orderFields) {
		return o.Fields, true
	}
	if len(o.Fields) != 1 {
		return nil, false
	}
	args, ok := decoder.Deref(o.Fields[0]).(*decoder.List)
	if !ok || len(args.Items) != len(orderFields) {
		return nil, false
	}
	for _, item := range args.Items {
		switch decoder.Deref(item).(type) {
		case *decoder.List, *decoder.Dict, *decoder.Row, *decoder.Object:
			return nil, false
		}
	}
	return args.Items, true
}

// rowsOf returns the rows held by a collection: a plain list, a rowset
// object's list part, or a "lines" entry.
func rowsOf(n decoder.Node) []decoder.Node {
	switch v := decoder.Deref(n).(type) {
	case *decoder.List:
		return v.Items
	case *decoder.Dict:
		if lines, ok := v.Get("lines"); ok {
			return rowsOf(lines)
		}
	case *decoder.Object:
		parts := v.Fields
		if len(parts) == 3 {
			// extended objects lead with their header
			parts = parts[1:]
		}
		for _, f := range parts {
			switch fv := decoder.Deref(f).(type) {
			case *decoder.List:
				if len(fv.Items) > 0 {
					return fv.Items
				}
			case *decoder.Dict:
				if lines, ok := fv.Get("lines"); ok {
					return rowsOf(lines)
				}
			}
		}
	}
	return nil
}

// timestampOf accepts a bare integer or a version tuple whose first element is
// the timestamp.
func timestampOf(n decoder.Node) int64 {
	if v, ok := decoder.AsInt(n); ok {
		return v
	}
	if l, ok := decoder.Deref(n).(*decoder.List); ok && len(l.Items) > 0 {
		v, _ := decoder.AsInt(l.Items[0])
		return v
	}
	return 0
}

// parseOrder maps a positional or named row onto a MarketOrder.
func parseOrder(row decoder.Node) (models.MarketOrder, error) {
	positional := func(items []decoder.Node) func(int) (decoder.Node, error) {
		return func(i int) (decoder.Node, error) { return items[i], nil }
	}
	named := func(lookup func(string) (decoder.Node, bool)) func(int) (decoder.Node, error) {
		return func(i int) (decoder.Node, error) {
			n, ok := lookup(orderFields[i])
			if !ok {
				return nil, fmt.Errorf("missing column %s", orderFields[i])
			}
			return n, nil
		}
	}

	var get func(i int) (decoder.Node, error)
	switch v := decoder.Deref(row).(type) {
	case *decoder.List:
		if len(v.Items) != len(orderFields) {
			return models.MarketOrder{}, fmt.Errorf("expected %d fields, got %d", len(orderFields), len(v.Items))
		}
		get = positional(v.Items)
	case *decoder.Object:
		if fields, ok := objectRowFields(v); ok {
			get = positional(fields)
		} else if lookup, ok := keyedView(v); ok {
			get = named(lookup)
		} else {
			return models.MarketOrder{}, fmt.Errorf("%s: expected %d fields, got %d", v.Type, len(orderFields), len(v.Fields))
		}
	default:
		lookup, ok := keyedView(v)
		if !ok {
			return models.MarketOrder{}, fmt.Errorf("unexpected row %s", reprOf(v))
		}
		get = named(lookup)
	}

	var o models.MarketOrder
	var err error
	field := func(i int) decoder.Node {
		if err != nil {
			return nil
		}
		var n decoder.Node
		n, err = get(i)
		return n
	}
	integer := func(i int, dst *int64) {
		n := field(i)
		if err != nil {
			return
		}
		v, ok := decoder.AsInt(n)
		if !ok {
			err = fmt.Errorf("%s: expected integer, got %s", orderFields[i], reprOf(n))
			return
		}
		*dst = v
	}

	if n := field(0); err == nil {
		if o.Price, err = priceOf(n); err != nil {
			err = fmt.Errorf("price: %w", err)
		}
	}
	if n := field(1); err == nil {
		// volRemaining arrives as a double
		if vol, ok := floatOf(n); ok {
			o.VolRemaining = int64(vol)
		} else {
			err = fmt.Errorf("volRemaining: expected number, got %s", reprOf(n))
		}
	}
	integer(2, &o.TypeID)
	integer(3, &o.Range)
	integer(4, &o.OrderID)
	integer(5, &o.VolEntered)
	integer(6, &o.MinVolume)
	var bid int64
	integer(7, &bid)
	o.Bid = bid != 0
	integer(8, &o.Issued)
	integer(9, &o.Duration)
	integer(10, &o.StationID)
	integer(11, &o.RegionID)
	integer(12, &o.SolarSystemID)
	integer(13, &o.Jumps)
	if err != nil {
		return models.MarketOrder{}, err
	}
	return o, nil
}

func priceOf(n decoder.Node) (decimal.Decimal, error) {
	switch v := decoder.Deref(n).(type) {
	case *decoder.Currency:
		return decimal.New(v.Units, -4), nil
	case *decoder.Int:
		return decimal.NewFromInt(v.Value), nil
	case *decoder.Float64:
		return decimal.NewFromFloat(v.Value), nil
	case *decoder.Float32:
		return decimal.NewFromFloat32(v.Value), nil
	case *decoder.String:
		return decimal.NewFromString(strings.TrimSpace(v.Value))
	}
	return decimal.Zero, fmt.Errorf("expected number, got %s", reprOf(n))
}

func floatOf(n decoder.Node) (float64, bool) {
	switch v := decoder.Deref(n).(type) {
	case *decoder.Float64:
		return v.Value, true
	case *decoder.Float32:
		return float64(v.Value), true
	case *decoder.Int:
		return float64(v.Value), true
	case *decoder.Currency:
		return float64(v.Units) / 10000, true
	}
	return 0, false
}

func reprOf(n decoder.Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.Repr()
}
