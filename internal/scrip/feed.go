package scrip

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nifty-orbit/internal/model"
)

// FeedSource supplies the raw scrip-master dataset. It is an interface so
// tests can inject synthetic feeds and count fetch invocations.
type FeedSource interface {
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// HTTPFeed downloads the Dhan scrip-master CSV (~33 MB for the compact
// variant, all segments).
type HTTPFeed struct {
	URL    string
	Client *http.Client
}

// NewHTTPFeed creates a feed source for url with the given timeout.
func NewHTTPFeed(url string, timeout time.Duration) *HTTPFeed {
	return &HTTPFeed{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFeed) Fetch(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch scrip master: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch scrip master: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Columns of the Dhan compact scrip master we depend on.
const (
	colSecurityID    = "SEM_SMST_SECURITY_ID"
	colTradingSymbol = "SEM_TRADING_SYMBOL"
	colCustomSymbol  = "SEM_CUSTOM_SYMBOL"
	colInstrument    = "SEM_INSTRUMENT_NAME"
	colExpiry        = "SEM_EXPIRY_DATE"
	colStrike        = "SEM_STRIKE_PRICE"
	colOptionType    = "SEM_OPTION_TYPE"
	colLotUnits      = "SEM_LOT_UNITS"
)

const instrumentIndexOption = "OPTIDX"

// parseFeed reads the scrip-master CSV and returns the option contracts of
// the given underlying family (index options whose trading symbol starts
// with "<underlying>-"). Column positions are taken from the header row, so
// upstream reordering is harmless; a missing required column is treated as
// a malformed feed. Rows with unparsable strike, expiry or lot size are
// skipped. totalRows counts every data row seen, matched or not.
func parseFeed(r io.Reader, underlying string) (contracts []model.OptionContract, totalRows int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // upstream occasionally pads trailing columns

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read feed header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	required := []string{
		colSecurityID, colTradingSymbol, colInstrument,
		colExpiry, colStrike, colOptionType, colLotUnits,
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, 0, fmt.Errorf("feed header missing column %s", name)
		}
	}

	prefix := underlying + "-"
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, totalRows, fmt.Errorf("read feed row: %w", err)
		}
		totalRows++

		field := func(name string) string {
			i := cols[name]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		if !strings.HasPrefix(field(colTradingSymbol), prefix) {
			continue
		}
		if field(colInstrument) != instrumentIndexOption {
			continue
		}
		optType := model.OptionType(field(colOptionType))
		if !optType.Valid() {
			continue
		}

		expiry, err := normalizeExpiry(field(colExpiry))
		if err != nil {
			continue
		}
		strikeF, err := strconv.ParseFloat(field(colStrike), 64)
		if err != nil {
			continue
		}
		lotF, err := strconv.ParseFloat(field(colLotUnits), 64)
		if err != nil {
			continue
		}

		contracts = append(contracts, model.OptionContract{
			SecurityID:    field(colSecurityID),
			TradingSymbol: field(colTradingSymbol),
			CustomSymbol:  field(colCustomSymbol),
			Strike:        int(strikeF),
			OptionType:    optType,
			Expiry:        expiry,
			LotSize:       int(lotF),
		})
	}

	return contracts, totalRows, nil
}

// normalizeExpiry reduces the feed's expiry formats ("2024-01-25",
// "2024-01-25 14:30:00") to YYYY-MM-DD.
func normalizeExpiry(s string) (string, error) {
	if len(s) < 10 {
		return "", fmt.Errorf("expiry too short: %q", s)
	}
	s = s[:10]
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return "", err
	}
	return s, nil
}
