package exchange

import (
	"fmt"
	"strconv"
	"time"
)

// Read-path wire types for the info endpoint. Numeric fields arrive as
// strings and are parsed at the edge.

type AssetInfo struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

type Meta struct {
	Universe []AssetInfo `json:"universe"`
}

type Candle struct {
	OpenMillis  int64  `json:"t"`
	CloseMillis int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	Trades      int    `json:"n"`
}

type leverageWire struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

type positionWire struct {
	Coin           string       `json:"coin"`
	Szi            string       `json:"szi"`
	EntryPx        *string      `json:"entryPx"`
	UnrealizedPnl  string       `json:"unrealizedPnl"`
	Leverage       leverageWire `json:"leverage"`
	LiquidationPx  *string      `json:"liquidationPx"`
	PositionValue  string       `json:"positionValue"`
	ReturnOnEquity string       `json:"returnOnEquity"`
}

type assetPositionWire struct {
	Position positionWire `json:"position"`
}

type marginSummaryWire struct {
	AccountValue   string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type clearinghouseState struct {
	AssetPositions []assetPositionWire `json:"assetPositions"`
	MarginSummary  marginSummaryWire   `json:"marginSummary"`
	Withdrawable   string              `json:"withdrawable"`
}

// Position is the client's read projection of an open perp position.
// The sign of Size encodes direction: positive long, negative short.
// Size is never zero for a position considered open.
type Position struct {
	Symbol           string
	Size             float64
	EntryPrice       float64
	UnrealizedPnl    float64
	Leverage         int
	LiquidationPrice float64
}

// Balance summarizes the account's margin state.
type Balance struct {
	AccountValue float64
	MarginUsed   float64
	Withdrawable float64
}

// OpenOrder is a resting or trigger order as reported by the exchange.
type OpenOrder struct {
	Symbol     string `json:"coin"`
	OrderID    int64  `json:"oid"`
	Side       string `json:"side"` // "B" buy, "A" sell
	LimitPx    string `json:"limitPx"`
	Size       string `json:"sz"`
	ReduceOnly bool   `json:"reduceOnly"`
	IsTrigger  bool   `json:"isTrigger"`
	TriggerPx  string `json:"triggerPx"`
	OrderType  string `json:"orderType"`
	Timestamp  int64  `json:"timestamp"`
}

func (p positionWire) toPosition() (Position, bool, error) {
	size, err := parseFloat(p.Szi)
	if err != nil {
		return Position{}, false, err
	}
	if size == 0 {
		return Position{}, false, nil
	}
	pnl, err := parseFloat(p.UnrealizedPnl)
	if err != nil {
		return Position{}, false, err
	}
	pos := Position{
		Symbol:        p.Coin,
		Size:          size,
		UnrealizedPnl: pnl,
		Leverage:      p.Leverage.Value,
	}
	if p.EntryPx != nil {
		if pos.EntryPrice, err = parseFloat(*p.EntryPx); err != nil {
			return Position{}, false, err
		}
	}
	if p.LiquidationPx != nil {
		if pos.LiquidationPrice, err = parseFloat(*p.LiquidationPx); err != nil {
			return Position{}, false, err
		}
	}
	return pos, true, nil
}

// parseFloat parses one of the exchange's decimal strings. The empty string
// reads as zero (absent field); anything else malformed is a protocol defect
// the caller must surface, never a silent zero.
func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	return f, nil
}

// Interval helpers for candle queries.
func toMillis(t time.Time) int64 { return t.UnixMilli() }
