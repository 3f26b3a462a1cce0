package exchange

// Wire shapes for signed actions. Serialization field order is part of the
// wire contract: the exchange re-derives the action digest from its own
// canonical layout, so every struct here encodes its fields in exactly the
// declared order. Do not reorder fields or add omitted ones casually.

type Tif string

const (
	TifGtc Tif = "Gtc"
	TifIoc Tif = "Ioc"
	TifAlo Tif = "Alo"
)

type Grouping string

const (
	GroupingNA           Grouping = "na"
	GroupingNormalTpSl   Grouping = "normalTpsl"
	GroupingPositionTpSl Grouping = "positionTpsl"
)

type LimitOrderType struct {
	Tif Tif `json:"tif" msgpack:"tif"`
}

type TriggerOrderType struct {
	IsMarket  bool   `json:"isMarket" msgpack:"isMarket"`
	TriggerPx string `json:"triggerPx" msgpack:"triggerPx"`
	TpSl      string `json:"tpsl" msgpack:"tpsl"` // "tp" or "sl"
}

// OrderTypeWire carries exactly one of limit or trigger.
type OrderTypeWire struct {
	Limit   *LimitOrderType   `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Trigger *TriggerOrderType `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
}

// OrderWire field order: asset, is-buy, price, size, reduce-only, type,
// then the optional client order id.
type OrderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  OrderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type CancelWire struct {
	Asset   int   `json:"a" msgpack:"a"`
	OrderID int64 `json:"o" msgpack:"o"`
}

// OrderAction places one or more orders under a grouping tag.
type OrderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []OrderWire `json:"orders" msgpack:"orders"`
	Grouping Grouping    `json:"grouping" msgpack:"grouping"`
}

func NewOrderAction(orders []OrderWire, grouping Grouping) OrderAction {
	return OrderAction{Type: "order", Orders: orders, Grouping: grouping}
}

// CancelAction cancels orders by exchange order id.
type CancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []CancelWire `json:"cancels" msgpack:"cancels"`
}

func NewCancelAction(cancels []CancelWire) CancelAction {
	return CancelAction{Type: "cancel", Cancels: cancels}
}

// LeverageAction updates the leverage for an asset.
type LeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

func NewLeverageAction(asset int, isCross bool, leverage int) LeverageAction {
	return LeverageAction{Type: "updateLeverage", Asset: asset, IsCross: isCross, Leverage: leverage}
}
