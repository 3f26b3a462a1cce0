package exchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	hlcrypto "github.com/despo33/hyperbot-sub000/pkg/crypto"
)

// SubmissionState tracks an order through the submission pipeline:
// Building -> Encoding -> Signing -> Sent -> {Filled | Resting | Rejected |
// NetworkFailed}, then for protected entries AttachingProtection ->
// {Protected | ProtectionSkipped | ProtectionFailed}.
type SubmissionState string

const (
	StateBuilding            SubmissionState = "building"
	StateEncoding            SubmissionState = "encoding"
	StateSigning             SubmissionState = "signing"
	StateSent                SubmissionState = "sent"
	StateFilled              SubmissionState = "filled"
	StateResting             SubmissionState = "resting"
	StateRejected            SubmissionState = "rejected"
	StateNetworkFailed       SubmissionState = "network_failed"
	StateAttachingProtection SubmissionState = "attaching_protection"
	StateProtected           SubmissionState = "protected"
	StateProtectionSkipped   SubmissionState = "protection_skipped"
	StateProtectionFailed    SubmissionState = "protection_failed"
)

// OrderRequest describes a single order. A nil Price selects the market
// protocol: an aggressively priced immediate-or-cancel limit order with the
// configured slippage against the requested direction.
type OrderRequest struct {
	Symbol     string
	IsBuy      bool
	Size       float64
	Price      *float64
	ReduceOnly bool
	Tif        Tif // defaults to Gtc for priced orders
}

// ProtectedOrderRequest opens a position and attaches TP/SL trigger orders
// once the entry fills.
type ProtectedOrderRequest struct {
	Symbol     string
	IsBuy      bool
	Size       float64
	Price      float64
	TakeProfit *float64
	StopLoss   *float64
	Leverage   int // 0 leaves the exchange's current leverage untouched
	IsCross    bool
}

// StopOrderRequest places a standalone stop trigger order.
type StopOrderRequest struct {
	Symbol       string
	IsBuy        bool
	Size         float64
	TriggerPrice float64
	ReduceOnly   bool
}

// OrderResult reports the terminal submission state. It is returned alongside
// the error so callers always see how far the pipeline got.
type OrderResult struct {
	State      SubmissionState
	OrderID    int64
	Cloid      string
	FilledSize float64
	AvgPrice   float64
	Protection SubmissionState // empty unless protection was requested
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderStatuses struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// submitAction signs an action and posts it to the exchange endpoint.
// Mutations are never auto-retried here: a transport failure leaves the order
// in an unknown state and the caller must decide.
func (c *Client) submitAction(ctx context.Context, action any) (*exchangeResponse, error) {
	if c.signer == nil {
		return nil, ErrAuthRequired
	}

	nonce := c.nextNonce()

	c.log.Debugw("action_signing", "nonce", nonce)
	sig, err := hlcrypto.SignL1Action(c.signer, action, c.vault, uint64(nonce), c.mainnet)
	if err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}

	payload := map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": sig,
	}
	if c.vault != nil {
		payload["vaultAddress"] = strings.ToLower(c.vault.Hex())
	} else {
		payload["vaultAddress"] = nil
	}

	var resp exchangeResponse
	if err := c.postJSON(ctx, "/exchange", payload, &resp); err != nil {
		return nil, err
	}

	if resp.Status != "ok" {
		return nil, &ExchangeError{Reason: rejectionReason(resp.Response)}
	}
	return &resp, nil
}

// rejectionReason extracts the human-readable reason from an err response,
// which the exchange sends as a bare JSON string.
func rejectionReason(raw json.RawMessage) string {
	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil {
		return string(raw)
	}
	return reason
}

// newCloid generates a 16-byte client order id in the exchange's hex format.
func newCloid() string {
	u := uuid.New()
	return "0x" + hex.EncodeToString(u[:])
}

// marketPrice computes the aggressive limit price for the market protocol:
// the mid price pushed by the slippage bound against the requested direction.
func (c *Client) marketPrice(ctx context.Context, symbol string, isBuy bool) (float64, error) {
	mid, err := c.MidPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if isBuy {
		return mid * (1 + c.slippage), nil
	}
	return mid * (1 - c.slippage), nil
}

// buildOrderWire validates, rounds and formats one order. Size is floored to
// the asset's declared decimals before anything touches the network; a size
// that floors to zero is rejected here.
func (c *Client) buildOrderWire(ctx context.Context, req OrderRequest, trigger *TriggerOrderType) (OrderWire, error) {
	asset, index, err := c.assetInfo(ctx, req.Symbol)
	if err != nil {
		return OrderWire{}, err
	}

	rounded := RoundSize(req.Size, asset.SzDecimals)
	if rounded <= 0 {
		return OrderWire{}, &OrderTooSmallError{Symbol: req.Symbol, Size: req.Size, Decimals: asset.SzDecimals}
	}

	var px float64
	tif := req.Tif
	if req.Price != nil {
		px = *req.Price
		if tif == "" {
			tif = TifGtc
		}
	} else {
		px, err = c.marketPrice(ctx, req.Symbol, req.IsBuy)
		if err != nil {
			return OrderWire{}, err
		}
		tif = TifIoc
	}

	wire := OrderWire{
		Asset:      index,
		IsBuy:      req.IsBuy,
		Price:      PriceToWire(px),
		Size:       SizeToWire(rounded, asset.SzDecimals),
		ReduceOnly: req.ReduceOnly,
		Cloid:      newCloid(),
	}
	if trigger != nil {
		wire.OrderType = OrderTypeWire{Trigger: trigger}
	} else {
		wire.OrderType = OrderTypeWire{Limit: &LimitOrderType{Tif: tif}}
	}
	return wire, nil
}

// placeWires submits a group of order wires. Every returned status leg must
// be accepted for the submission to count; the first leg drives the reported
// fill details.
func (c *Client) placeWires(ctx context.Context, wires []OrderWire, grouping Grouping) (*OrderResult, error) {
	action := NewOrderAction(wires, grouping)
	result := &OrderResult{State: StateSigning, Cloid: wires[0].Cloid}

	result.State = StateSent
	resp, err := c.submitAction(ctx, action)
	if err != nil {
		switch err.(type) {
		case *TransportError, *ProtocolError:
			result.State = StateNetworkFailed
		case *ExchangeError:
			result.State = StateRejected
		default:
			// Failed locally; nothing reached the exchange.
			result.State = StateSigning
		}
		return result, err
	}

	var statuses orderStatuses
	if err := json.Unmarshal(resp.Response, &statuses); err != nil {
		result.State = StateNetworkFailed
		return result, &ProtocolError{StatusCode: 200, Raw: string(resp.Response)}
	}
	sts := statuses.Data.Statuses
	if len(sts) == 0 {
		result.State = StateRejected
		return result, &ExchangeError{Reason: "empty status list"}
	}

	// Every leg must be accepted. A grouped action with one rejected leg is a
	// failed submission even when the other legs rest.
	for i, status := range sts {
		if status.Resting != nil || status.Filled != nil {
			continue
		}
		reason := status.Error
		if reason == "" {
			reason = "unrecognized order status"
		}
		result.State = StateRejected
		c.log.Errorw("order_leg_rejected", "leg", i, "cloid", result.Cloid, "reason", reason)
		return result, &ExchangeError{Reason: reason}
	}

	status := sts[0]
	switch {
	case status.Filled != nil:
		result.State = StateFilled
		result.OrderID = status.Filled.Oid
		sz, szErr := parseFloat(status.Filled.TotalSz)
		px, pxErr := parseFloat(status.Filled.AvgPx)
		if szErr != nil || pxErr != nil {
			result.State = StateNetworkFailed
			return result, &ProtocolError{StatusCode: 200, Raw: string(resp.Response)}
		}
		result.FilledSize = sz
		result.AvgPrice = px
	case status.Resting != nil:
		result.State = StateResting
		result.OrderID = status.Resting.Oid
	}

	c.log.Infow("order_submitted",
		"state", result.State, "oid", result.OrderID, "cloid", result.Cloid)
	return result, nil
}

// PlaceOrder submits a single order. A nil price uses the market protocol.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	wire, err := c.buildOrderWire(ctx, req, nil)
	if err != nil {
		return &OrderResult{State: StateBuilding}, err
	}
	return c.placeWires(ctx, []OrderWire{wire}, GroupingNA)
}

// PlaceStopOrder submits a standalone stop-market trigger order.
func (c *Client) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*OrderResult, error) {
	trigger := &TriggerOrderType{
		IsMarket:  true,
		TriggerPx: PriceToWire(req.TriggerPrice),
		TpSl:      "sl",
	}
	px := req.TriggerPrice
	wire, err := c.buildOrderWire(ctx, OrderRequest{
		Symbol:     req.Symbol,
		IsBuy:      req.IsBuy,
		Size:       req.Size,
		Price:      &px,
		ReduceOnly: req.ReduceOnly,
	}, trigger)
	if err != nil {
		return &OrderResult{State: StateBuilding}, err
	}
	return c.placeWires(ctx, []OrderWire{wire}, GroupingNA)
}

// PlaceOrderWithProtection opens a position with TP/SL attached after the
// entry fills.
//
// Safety rules, all best-effort (advisory, not transactional):
//   - never open when a non-zero position already exists for the symbol, or
//     when that check cannot be completed;
//   - leverage is set before the entry; a failure there is logged and the
//     order proceeds on the exchange's existing leverage;
//   - protection is attached only after a reported fill, is skipped when any
//     reduce-only or trigger order already exists for the symbol (or the
//     check fails), and a failed attachment never unwinds the entry.
func (c *Client) PlaceOrderWithProtection(ctx context.Context, req ProtectedOrderRequest) (*OrderResult, error) {
	result := &OrderResult{State: StateBuilding}

	positions, err := c.Positions(ctx, nil)
	if err != nil {
		return result, &SafetyAbortError{Reason: "position check failed, refusing to open", Cause: err}
	}
	for _, pos := range positions {
		if pos.Symbol == req.Symbol {
			return result, &SafetyAbortError{
				Reason: fmt.Sprintf("position already exists for %s (size %v)", req.Symbol, pos.Size),
			}
		}
	}

	if req.Leverage > 0 {
		if err := c.SetLeverage(ctx, req.Symbol, req.Leverage, req.IsCross); err != nil {
			c.log.Warnw("leverage_update_failed",
				"symbol", req.Symbol, "leverage", req.Leverage, "err", err)
		}
	}

	px := req.Price
	entry, err := c.PlaceOrder(ctx, OrderRequest{
		Symbol: req.Symbol,
		IsBuy:  req.IsBuy,
		Size:   req.Size,
		Price:  &px,
	})
	if err != nil || entry.State != StateFilled {
		return entry, err
	}

	if req.TakeProfit == nil && req.StopLoss == nil {
		return entry, nil
	}

	entry.Protection = StateAttachingProtection
	entry.Protection = c.AttachProtection(ctx, req.Symbol, req.IsBuy, entry.FilledSize, req.TakeProfit, req.StopLoss)
	return entry, nil
}

// AttachProtection submits reduce-only TP/SL trigger orders for a filled
// position, grouped under one tag. Idempotent: when any reduce-only or
// trigger order already exists for the symbol the attachment is skipped, and
// when the existing-order check fails it is skipped too (never risk doubling
// protection). A failed attachment is reported, not rolled back.
func (c *Client) AttachProtection(ctx context.Context, symbol string, isBuy bool, size float64, takeProfit, stopLoss *float64) SubmissionState {
	open, err := c.OpenOrders(ctx, nil)
	if err != nil {
		c.log.Warnw("protection_check_failed", "symbol", symbol, "err", err)
		return StateProtectionSkipped
	}
	for _, order := range open {
		if order.Symbol == symbol && (order.ReduceOnly || order.IsTrigger) {
			c.log.Infow("protection_already_attached", "symbol", symbol, "oid", order.OrderID)
			return StateProtectionSkipped
		}
	}

	var wires []OrderWire
	build := func(triggerPx float64, tpsl string) error {
		px := triggerPx
		wire, err := c.buildOrderWire(ctx, OrderRequest{
			Symbol:     symbol,
			IsBuy:      !isBuy, // protection closes, so it trades against the position
			Size:       size,
			Price:      &px,
			ReduceOnly: true,
		}, &TriggerOrderType{IsMarket: true, TriggerPx: PriceToWire(triggerPx), TpSl: tpsl})
		if err != nil {
			return err
		}
		wires = append(wires, wire)
		return nil
	}

	if takeProfit != nil {
		if err := build(*takeProfit, "tp"); err != nil {
			c.log.Errorw("protection_build_failed", "symbol", symbol, "err", err)
			return StateProtectionFailed
		}
	}
	if stopLoss != nil {
		if err := build(*stopLoss, "sl"); err != nil {
			c.log.Errorw("protection_build_failed", "symbol", symbol, "err", err)
			return StateProtectionFailed
		}
	}
	if len(wires) == 0 {
		return StateProtectionSkipped
	}

	if _, err := c.placeWires(ctx, wires, GroupingPositionTpSl); err != nil {
		// The entry position is open and unprotected; surface loudly but do
		// not unwind.
		c.log.Errorw("protection_attach_failed", "symbol", symbol, "err", err)
		return StateProtectionFailed
	}
	return StateProtected
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, index, err := c.assetInfo(ctx, symbol)
	if err != nil {
		return err
	}
	_, err = c.submitAction(ctx, NewCancelAction([]CancelWire{{Asset: index, OrderID: orderID}}))
	if err != nil {
		return err
	}
	c.log.Infow("order_cancelled", "symbol", symbol, "oid", orderID)
	return nil
}

// CancelAll cancels every open order, optionally restricted to one symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	open, err := c.OpenOrders(ctx, nil)
	if err != nil {
		return err
	}

	var cancels []CancelWire
	for _, order := range open {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		_, index, err := c.assetInfo(ctx, order.Symbol)
		if err != nil {
			return err
		}
		cancels = append(cancels, CancelWire{Asset: index, OrderID: order.OrderID})
	}
	if len(cancels) == 0 {
		return nil
	}

	if _, err := c.submitAction(ctx, NewCancelAction(cancels)); err != nil {
		return err
	}
	c.log.Infow("orders_cancelled", "symbol", symbol, "count", len(cancels))
	return nil
}

// ClosePosition closes an open position with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, address *common.Address) (*OrderResult, error) {
	positions, err := c.Positions(ctx, address)
	if err != nil {
		return &OrderResult{State: StateBuilding}, err
	}

	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		return c.PlaceOrder(ctx, OrderRequest{
			Symbol:     symbol,
			IsBuy:      pos.Size < 0, // close shorts by buying, longs by selling
			Size:       math.Abs(pos.Size),
			ReduceOnly: true,
		})
	}
	return &OrderResult{State: StateBuilding}, fmt.Errorf("no open position for %s", symbol)
}

// SetLeverage updates the leverage for an asset.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error {
	_, index, err := c.assetInfo(ctx, symbol)
	if err != nil {
		return err
	}
	if _, err := c.submitAction(ctx, NewLeverageAction(index, isCross, leverage)); err != nil {
		return err
	}
	c.log.Infow("leverage_updated", "symbol", symbol, "leverage", leverage, "cross", isCross)
	return nil
}
