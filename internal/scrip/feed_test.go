package scrip

import (
	"strings"
	"testing"

	"nifty-orbit/internal/model"
)

func TestParseFeedFiltersAndMaps(t *testing.T) {
	csv := feedHeader + "\n" +
		optionRow("41001", "NIFTY-Jan2024-21500-CE", "OPTIDX", "2024-01-25", 21500, "CE") + "\n" +
		optionRow("41002", "NIFTY-Jan2024-21500-PE", "OPTIDX", "2024-01-25", 21500, "PE") + "\n" +
		optionRow("52001", "BANKNIFTY-Jan2024-46000-CE", "OPTIDX", "2024-01-31", 46000, "CE") + "\n" +
		optionRow("53001", "NIFTYNXT50-Jan2024-60000-CE", "OPTIDX", "2024-01-31", 60000, "CE") + "\n" +
		optionRow("61001", "NIFTY-Jan2024-FUT", "FUTIDX", "2024-01-25", 0, "XX") + "\n" +
		"62001,RELIANCE,RELIANCE,EQUITY,,0.000000,,1,E\n"

	contracts, total, err := parseFeed(strings.NewReader(csv), "NIFTY")
	if err != nil {
		t.Fatalf("parseFeed: %v", err)
	}
	if total != 6 {
		t.Fatalf("total rows = %d, want 6", total)
	}
	if len(contracts) != 2 {
		t.Fatalf("contracts = %d, want 2: %+v", len(contracts), contracts)
	}
	c := contracts[0]
	if c.SecurityID != "41001" || c.Strike != 21500 || c.OptionType != model.Call ||
		c.Expiry != "2024-01-25" || c.LotSize != 50 {
		t.Fatalf("contract mismatch: %+v", c)
	}
}

func TestParseFeedColumnOrderIndependent(t *testing.T) {
	// Same data with columns rearranged relative to feedHeader.
	csv := "SEM_OPTION_TYPE,SEM_EXPIRY_DATE,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_STRIKE_PRICE,SEM_LOT_UNITS,SEM_TRADING_SYMBOL,SEM_CUSTOM_SYMBOL\n" +
		"CE,2024-01-25 14:30:00,41001,OPTIDX,21500.000000,50,NIFTY-Jan2024-21500-CE,NIFTY 25 JAN 21500 CALL\n"

	contracts, _, err := parseFeed(strings.NewReader(csv), "NIFTY")
	if err != nil {
		t.Fatalf("parseFeed: %v", err)
	}
	if len(contracts) != 1 {
		t.Fatalf("contracts = %d, want 1", len(contracts))
	}
	c := contracts[0]
	if c.SecurityID != "41001" || c.Strike != 21500 || c.CustomSymbol != "NIFTY 25 JAN 21500 CALL" {
		t.Fatalf("contract mismatch: %+v", c)
	}
}

func TestParseFeedMissingColumn(t *testing.T) {
	csv := "SEM_SMST_SECURITY_ID,SEM_TRADING_SYMBOL,SEM_INSTRUMENT_NAME\n41001,NIFTY-X,OPTIDX\n"
	if _, _, err := parseFeed(strings.NewReader(csv), "NIFTY"); err == nil {
		t.Fatal("expected error for missing columns")
	}
}

func TestParseFeedSkipsMalformedRows(t *testing.T) {
	csv := feedHeader + "\n" +
		optionRow("41001", "NIFTY-Jan2024-21500-CE", "OPTIDX", "2024-01-25", 21500, "CE") + "\n" +
		// Unparsable strike and expiry must be skipped, not fatal.
		"41002,NIFTY-Jan2024-21550-CE,x,OPTIDX,2024-01-25 14:30:00,not-a-number,CE,50,D\n" +
		"41003,NIFTY-Jan2024-21600-CE,x,OPTIDX,soon,21600.000000,CE,50,D\n"

	contracts, total, err := parseFeed(strings.NewReader(csv), "NIFTY")
	if err != nil {
		t.Fatalf("parseFeed: %v", err)
	}
	if total != 3 || len(contracts) != 1 {
		t.Fatalf("total=%d contracts=%d, want 3/1", total, len(contracts))
	}
}

func TestParseFeedEmptyBody(t *testing.T) {
	if _, _, err := parseFeed(strings.NewReader(""), "NIFTY"); err == nil {
		t.Fatal("expected error for empty feed")
	}
}
