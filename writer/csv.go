package writer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"evecache/models"
)

// WriteMarketCSV writes the header followed by the sell orders and then the
// buy orders of list.
func WriteMarketCSV(w io.Writer, list *models.MarketList) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(models.CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := cw.WriteAll(list.CSVRecords()); err != nil {
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	return nil
}

// MarketCSV renders list into a byte slice, for uploads.
func MarketCSV(list *models.MarketList) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMarketCSV(&buf, list); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
