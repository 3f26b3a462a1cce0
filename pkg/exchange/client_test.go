package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/despo33/hyperbot-sub000/params"
	"github.com/despo33/hyperbot-sub000/pkg/util"
)

const testPrivKey = "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"

type capturedPayload struct {
	Action    json.RawMessage `json:"action"`
	Nonce     int64           `json:"nonce"`
	Signature struct {
		R string `json:"r"`
		S string `json:"s"`
		V uint8  `json:"v"`
	} `json:"signature"`
	VaultAddress *string `json:"vaultAddress"`
}

func (p capturedPayload) orderAction(t *testing.T) OrderAction {
	t.Helper()
	var action OrderAction
	if err := json.Unmarshal(p.Action, &action); err != nil {
		t.Fatalf("failed to decode order action: %v", err)
	}
	return action
}

func (p capturedPayload) actionType(t *testing.T) string {
	t.Helper()
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(p.Action, &head); err != nil {
		t.Fatalf("failed to decode action type: %v", err)
	}
	return head.Type
}

// fakeExchange serves the two endpoints the client talks to and records what
// it receives.
type fakeExchange struct {
	t *testing.T

	mu           sync.Mutex
	meta         Meta
	mids         map[string]string
	state        clearinghouseState
	openOrders   []OpenOrder
	candles      []Candle
	failInfo     map[string]int // info request type -> forced http status
	failExchange int            // forced http status for /exchange

	infoCalls map[string]int
	payloads  []capturedPayload
	replies   []any // consumed per /exchange call; empty falls back to ok/resting
}

func newFakeExchange(t *testing.T) (*fakeExchange, *httptest.Server) {
	f := &fakeExchange{
		t: t,
		meta: Meta{Universe: []AssetInfo{
			{Name: "BTC", SzDecimals: 4, MaxLeverage: 50},
			{Name: "ETH", SzDecimals: 3, MaxLeverage: 50},
		}},
		mids:      map[string]string{"BTC": "30000", "ETH": "2000"},
		failInfo:  make(map[string]int),
		infoCalls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/info", f.handleInfo)
	mux.HandleFunc("/exchange", f.handleExchange)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeExchange) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reqType, _ := req["type"].(string)

	f.mu.Lock()
	f.infoCalls[reqType]++
	code := f.failInfo[reqType]
	var body any
	switch reqType {
	case "meta":
		body = f.meta
	case "allMids":
		body = f.mids
	case "clearinghouseState":
		body = f.state
	case "frontendOpenOrders":
		body = f.openOrders
	case "candleSnapshot":
		body = f.candles
	default:
		body = map[string]any{}
	}
	f.mu.Unlock()

	if code != 0 {
		http.Error(w, "unavailable", code)
		return
	}
	json.NewEncoder(w).Encode(body)
}

func (f *fakeExchange) handleExchange(w http.ResponseWriter, r *http.Request) {
	var payload capturedPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	code := f.failExchange
	reply := okResting(1)
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if code != 0 {
		http.Error(w, "internal error", code)
		return
	}
	json.NewEncoder(w).Encode(reply)
}

func (f *fakeExchange) exchangeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeExchange) payload(t *testing.T, i int) capturedPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.payloads) {
		t.Fatalf("payload %d not captured, have %d", i, len(f.payloads))
	}
	return f.payloads[i]
}

func okStatuses(statuses ...any) any {
	return map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{"statuses": statuses},
		},
	}
}

func okResting(oid int64) any {
	return okStatuses(map[string]any{"resting": map[string]any{"oid": oid}})
}

func okFilled(oid int64, totalSz, avgPx string) any {
	return okStatuses(map[string]any{"filled": map[string]any{"oid": oid, "totalSz": totalSz, "avgPx": avgPx}})
}

func errReply(reason string) any {
	return map[string]any{"status": "err", "response": reason}
}

func newTestClient(t *testing.T, apiURL, privateKey string) *Client {
	t.Helper()
	c, err := New(
		params.Exchange{APIURL: apiURL, PrivateKey: privateKey, Timeout: 5 * time.Second},
		params.Trading{Slippage: 0.03},
		zap.NewNop().Sugar(),
	)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return c
}

func ptr(v float64) *float64 { return &v }

func TestMetaCachedAndExpires(t *testing.T) {
	f, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)
	clk := util.NewManualClock(time.Unix(1700000000, 0))
	c.clock = clk

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Meta(ctx); err != nil {
			t.Fatalf("meta query failed: %v", err)
		}
	}
	if got := f.infoCalls["meta"]; got != 1 {
		t.Errorf("meta requests = %d, want 1 (cached)", got)
	}

	clk.Advance(61 * time.Second)
	if _, err := c.Meta(ctx); err != nil {
		t.Fatalf("meta query failed: %v", err)
	}
	if got := f.infoCalls["meta"]; got != 2 {
		t.Errorf("meta requests after expiry = %d, want 2", got)
	}
}

func TestPlaceOrderUnknownAsset(t *testing.T) {
	f, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "DOGE", IsBuy: true, Size: 1})
	var notFound *AssetNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want AssetNotFoundError", err)
	}
	if notFound.Symbol != "DOGE" {
		t.Errorf("symbol = %q, want DOGE", notFound.Symbol)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0", f.exchangeCalls())
	}
}

func TestPlaceOrderTooSmall(t *testing.T) {
	f, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)

	result, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.000049, Price: ptr(30000),
	})
	var tooSmall *OrderTooSmallError
	if !errors.As(err, &tooSmall) {
		t.Fatalf("err = %v, want OrderTooSmallError", err)
	}
	if result.State != StateBuilding {
		t.Errorf("state = %s, want %s", result.State, StateBuilding)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0 (rejected before the network)", f.exchangeCalls())
	}
}

func TestPlaceOrderWireFormatAndRejection(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.replies = []any{errReply("Insufficient margin")}
	c := newTestClient(t, srv.URL, testPrivKey)

	result, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.00012345, Price: ptr(30000.123),
	})

	var exchErr *ExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatalf("err = %v, want ExchangeError", err)
	}
	if exchErr.Reason != "Insufficient margin" {
		t.Errorf("reason = %q, want %q", exchErr.Reason, "Insufficient margin")
	}
	if result.State != StateRejected {
		t.Errorf("state = %s, want %s", result.State, StateRejected)
	}

	payload := f.payload(t, 0)
	if payload.Nonce == 0 {
		t.Error("nonce missing from payload")
	}
	if payload.Signature.V != 27 && payload.Signature.V != 28 {
		t.Errorf("signature v = %d, want 27 or 28", payload.Signature.V)
	}
	if payload.VaultAddress != nil {
		t.Errorf("vaultAddress = %v, want null", *payload.VaultAddress)
	}

	action := payload.orderAction(t)
	if action.Type != "order" || action.Grouping != GroupingNA {
		t.Errorf("action type/grouping = %s/%s, want order/na", action.Type, action.Grouping)
	}
	if len(action.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(action.Orders))
	}
	wire := action.Orders[0]
	if wire.Asset != 0 || !wire.IsBuy || wire.ReduceOnly {
		t.Errorf("wire flags = a:%d b:%v r:%v, want a:0 b:true r:false", wire.Asset, wire.IsBuy, wire.ReduceOnly)
	}
	if wire.Size != "0.0001" {
		t.Errorf("wire size = %q, want %q", wire.Size, "0.0001")
	}
	if wire.Price != "30000" {
		t.Errorf("wire price = %q, want %q", wire.Price, "30000")
	}
	if wire.OrderType.Limit == nil || wire.OrderType.Limit.Tif != TifGtc {
		t.Errorf("order type = %+v, want limit Gtc", wire.OrderType)
	}
	if wire.Cloid == "" {
		t.Error("cloid missing")
	}
}

func TestMarketOrderPricing(t *testing.T) {
	cases := []struct {
		name  string
		isBuy bool
		want  string
	}{
		{"buy pays up", true, "30900"},    // 30000 * 1.03
		{"sell crosses down", false, "29100"}, // 30000 * 0.97
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, srv := newFakeExchange(t)
			c := newTestClient(t, srv.URL, testPrivKey)

			if _, err := c.PlaceOrder(context.Background(), OrderRequest{
				Symbol: "BTC", IsBuy: tc.isBuy, Size: 0.01,
			}); err != nil {
				t.Fatalf("order failed: %v", err)
			}

			wire := f.payload(t, 0).orderAction(t).Orders[0]
			if wire.Price != tc.want {
				t.Errorf("price = %q, want %q", wire.Price, tc.want)
			}
			if wire.OrderType.Limit == nil || wire.OrderType.Limit.Tif != TifIoc {
				t.Errorf("order type = %+v, want limit Ioc", wire.OrderType)
			}
		})
	}
}

func TestPlaceOrderFilled(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.replies = []any{okFilled(123, "0.01", "30005.5")}
	c := newTestClient(t, srv.URL, testPrivKey)

	result, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC", IsBuy: true, Size: 0.01})
	if err != nil {
		t.Fatalf("order failed: %v", err)
	}
	if result.State != StateFilled {
		t.Errorf("state = %s, want %s", result.State, StateFilled)
	}
	if result.OrderID != 123 {
		t.Errorf("oid = %d, want 123", result.OrderID)
	}
	if result.FilledSize != 0.01 || result.AvgPrice != 30005.5 {
		t.Errorf("fill = %v @ %v, want 0.01 @ 30005.5", result.FilledSize, result.AvgPrice)
	}
}

func TestPlaceOrderServerError(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.failExchange = http.StatusInternalServerError
	c := newTestClient(t, srv.URL, testPrivKey)

	result, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC", IsBuy: true, Size: 0.01})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if protoErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", protoErr.StatusCode)
	}
	if result.State != StateNetworkFailed {
		t.Errorf("state = %s, want %s", result.State, StateNetworkFailed)
	}
}

func TestPlaceOrderTransportFailure(t *testing.T) {
	_, srv := newFakeExchange(t)
	url := srv.URL
	srv.Close()
	c := newTestClient(t, url, testPrivKey)

	result, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.01, Price: ptr(30000),
	})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	// With the server gone even the metadata read fails, so the pipeline
	// never leaves the building stage.
	if result.State != StateBuilding {
		t.Errorf("state = %s, want %s", result.State, StateBuilding)
	}
}

func TestProtectedOrderRefusesExistingPosition(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.state = clearinghouseState{AssetPositions: []assetPositionWire{
		{Position: positionWire{Coin: "BTC", Szi: "0.5"}},
	}}
	c := newTestClient(t, srv.URL, testPrivKey)

	_, err := c.PlaceOrderWithProtection(context.Background(), ProtectedOrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.01, Price: 30000, StopLoss: ptr(29000),
	})
	var abort *SafetyAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("err = %v, want SafetyAbortError", err)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0 (no mutation on abort)", f.exchangeCalls())
	}
}

func TestProtectedOrderRefusesWhenPositionCheckFails(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.failInfo["clearinghouseState"] = http.StatusServiceUnavailable
	c := newTestClient(t, srv.URL, testPrivKey)

	_, err := c.PlaceOrderWithProtection(context.Background(), ProtectedOrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.01, Price: 30000,
	})
	var abort *SafetyAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("err = %v, want SafetyAbortError", err)
	}
	if !errors.As(abort.Cause, new(*ProtocolError)) {
		t.Errorf("cause = %v, want ProtocolError", abort.Cause)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0", f.exchangeCalls())
	}
}

func TestAttachProtectionSkipsWhenAlreadyProtected(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.openOrders = []OpenOrder{{Symbol: "BTC", OrderID: 9, IsTrigger: true}}
	c := newTestClient(t, srv.URL, testPrivKey)

	state := c.AttachProtection(context.Background(), "BTC", true, 0.01, ptr(31000), ptr(29000))
	if state != StateProtectionSkipped {
		t.Errorf("state = %s, want %s", state, StateProtectionSkipped)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0 (idempotent skip)", f.exchangeCalls())
	}

	// A second identical call must not double the protection either.
	state = c.AttachProtection(context.Background(), "BTC", true, 0.01, ptr(31000), ptr(29000))
	if state != StateProtectionSkipped || f.exchangeCalls() != 0 {
		t.Errorf("repeat call: state = %s, exchange calls = %d", state, f.exchangeCalls())
	}
}

func TestAttachProtectionSkipsWhenCheckFails(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.failInfo["frontendOpenOrders"] = http.StatusServiceUnavailable
	c := newTestClient(t, srv.URL, testPrivKey)

	state := c.AttachProtection(context.Background(), "BTC", true, 0.01, ptr(31000), nil)
	if state != StateProtectionSkipped {
		t.Errorf("state = %s, want %s", state, StateProtectionSkipped)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0", f.exchangeCalls())
	}
}

func TestAttachProtectionGroupsTriggers(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.replies = []any{okStatuses(
		map[string]any{"resting": map[string]any{"oid": int64(10)}},
		map[string]any{"resting": map[string]any{"oid": int64(11)}},
	)}
	c := newTestClient(t, srv.URL, testPrivKey)

	state := c.AttachProtection(context.Background(), "BTC", true, 0.01, ptr(31000), ptr(29000))
	if state != StateProtected {
		t.Fatalf("state = %s, want %s", state, StateProtected)
	}

	action := f.payload(t, 0).orderAction(t)
	if action.Grouping != GroupingPositionTpSl {
		t.Errorf("grouping = %s, want %s", action.Grouping, GroupingPositionTpSl)
	}
	if len(action.Orders) != 2 {
		t.Fatalf("orders = %d, want 2 (tp and sl)", len(action.Orders))
	}
	for i, wire := range action.Orders {
		if wire.IsBuy {
			t.Errorf("order %d is a buy; protection for a long must sell", i)
		}
		if !wire.ReduceOnly {
			t.Errorf("order %d not reduce-only", i)
		}
		if wire.OrderType.Trigger == nil || !wire.OrderType.Trigger.IsMarket {
			t.Errorf("order %d not a market trigger: %+v", i, wire.OrderType)
		}
	}
	if tp := action.Orders[0].OrderType.Trigger; tp.TpSl != "tp" || tp.TriggerPx != "31000" {
		t.Errorf("tp trigger = %+v, want tp @ 31000", tp)
	}
	if sl := action.Orders[1].OrderType.Trigger; sl.TpSl != "sl" || sl.TriggerPx != "29000" {
		t.Errorf("sl trigger = %+v, want sl @ 29000", sl)
	}
}

func TestAttachProtectionFailsWhenLegRejected(t *testing.T) {
	f, srv := newFakeExchange(t)
	// The exchange accepts the tp leg but rejects the sl leg of the grouped
	// action. The position would be left without its stop.
	f.replies = []any{okStatuses(
		map[string]any{"resting": map[string]any{"oid": int64(10)}},
		map[string]any{"error": "Invalid trigger price"},
	)}
	c := newTestClient(t, srv.URL, testPrivKey)

	state := c.AttachProtection(context.Background(), "BTC", true, 0.01, ptr(31000), ptr(29000))
	if state != StateProtectionFailed {
		t.Errorf("state = %s, want %s (one leg was rejected)", state, StateProtectionFailed)
	}
}

func TestPlaceWiresRejectsAnyFailedLeg(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.replies = []any{okStatuses(
		map[string]any{"resting": map[string]any{"oid": int64(10)}},
		map[string]any{"error": "Insufficient margin"},
	)}
	c := newTestClient(t, srv.URL, testPrivKey)

	wires := []OrderWire{
		{Asset: 0, IsBuy: true, Price: "30000", Size: "0.01",
			OrderType: OrderTypeWire{Limit: &LimitOrderType{Tif: TifGtc}}, Cloid: newCloid()},
		{Asset: 0, IsBuy: true, Price: "29000", Size: "0.01",
			OrderType: OrderTypeWire{Limit: &LimitOrderType{Tif: TifGtc}}, Cloid: newCloid()},
	}
	result, err := c.placeWires(context.Background(), wires, GroupingNA)

	var exchErr *ExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatalf("err = %v, want ExchangeError", err)
	}
	if exchErr.Reason != "Insufficient margin" {
		t.Errorf("reason = %q, want %q", exchErr.Reason, "Insufficient margin")
	}
	if result.State != StateRejected {
		t.Errorf("state = %s, want %s", result.State, StateRejected)
	}
}

func TestProtectedOrderFullFlow(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.replies = []any{
		map[string]any{"status": "ok", "response": map[string]any{"type": "default"}}, // leverage
		okFilled(55, "0.01", "30000"), // entry
		okResting(56),                 // protection
	}
	c := newTestClient(t, srv.URL, testPrivKey)

	result, err := c.PlaceOrderWithProtection(context.Background(), ProtectedOrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.01, Price: 30000,
		TakeProfit: ptr(31000), StopLoss: ptr(29000),
		Leverage: 5, IsCross: true,
	})
	if err != nil {
		t.Fatalf("protected order failed: %v", err)
	}
	if result.State != StateFilled {
		t.Errorf("entry state = %s, want %s", result.State, StateFilled)
	}
	if result.Protection != StateProtected {
		t.Errorf("protection = %s, want %s", result.Protection, StateProtected)
	}
	if result.FilledSize != 0.01 {
		t.Errorf("filled size = %v, want 0.01", result.FilledSize)
	}

	wantTypes := []string{"updateLeverage", "order", "order"}
	if f.exchangeCalls() != len(wantTypes) {
		t.Fatalf("exchange calls = %d, want %d", f.exchangeCalls(), len(wantTypes))
	}
	for i, want := range wantTypes {
		if got := f.payload(t, i).actionType(t); got != want {
			t.Errorf("action %d = %s, want %s", i, got, want)
		}
	}
}

func TestCancelAllFiltersBySymbol(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.openOrders = []OpenOrder{
		{Symbol: "BTC", OrderID: 1},
		{Symbol: "ETH", OrderID: 2},
		{Symbol: "BTC", OrderID: 3},
	}
	c := newTestClient(t, srv.URL, testPrivKey)

	if err := c.CancelAll(context.Background(), "BTC"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	var action CancelAction
	if err := json.Unmarshal(f.payload(t, 0).Action, &action); err != nil {
		t.Fatalf("failed to decode cancel action: %v", err)
	}
	if action.Type != "cancel" {
		t.Errorf("type = %s, want cancel", action.Type)
	}
	if len(action.Cancels) != 2 {
		t.Fatalf("cancels = %d, want 2", len(action.Cancels))
	}
	for _, cancel := range action.Cancels {
		if cancel.Asset != 0 {
			t.Errorf("cancel asset = %d, want 0 (BTC)", cancel.Asset)
		}
	}
}

func TestCancelAllNoOrdersNoCalls(t *testing.T) {
	f, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)

	if err := c.CancelAll(context.Background(), ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0", f.exchangeCalls())
	}
}

func TestClosePositionShort(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.state = clearinghouseState{AssetPositions: []assetPositionWire{
		{Position: positionWire{Coin: "BTC", Szi: "-0.5"}},
	}}
	f.replies = []any{okFilled(77, "0.5", "30900")}
	c := newTestClient(t, srv.URL, testPrivKey)

	result, err := c.ClosePosition(context.Background(), "BTC", nil)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if result.State != StateFilled {
		t.Errorf("state = %s, want %s", result.State, StateFilled)
	}

	wire := f.payload(t, 0).orderAction(t).Orders[0]
	if !wire.IsBuy {
		t.Error("closing a short must buy")
	}
	if !wire.ReduceOnly {
		t.Error("close order must be reduce-only")
	}
	if wire.Size != "0.5" {
		t.Errorf("size = %q, want 0.5", wire.Size)
	}
	if wire.OrderType.Limit == nil || wire.OrderType.Limit.Tif != TifIoc {
		t.Errorf("order type = %+v, want limit Ioc (market protocol)", wire.OrderType)
	}
}

func TestReadOnlyClientRejectsMutations(t *testing.T) {
	f, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, "")

	result, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC", IsBuy: true, Size: 0.01, Price: ptr(30000)})
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("err = %v, want ErrAuthRequired", err)
	}
	// A local failure is not an exchange rejection; the pipeline stalled at
	// signing and nothing was sent.
	if result.State != StateSigning {
		t.Errorf("state = %s, want %s", result.State, StateSigning)
	}
	if f.exchangeCalls() != 0 {
		t.Errorf("exchange calls = %d, want 0", f.exchangeCalls())
	}

	// Reads that need no identity still work.
	if _, err := c.MidPrice(context.Background(), "BTC"); err != nil {
		t.Errorf("read failed on read-only client: %v", err)
	}
}

func TestCandlesLiveCachedHistoricalBypassed(t *testing.T) {
	f, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)
	clk := util.NewManualClock(time.Unix(1700000000, 0))
	c.clock = clk

	ctx := context.Background()
	now := clk.Now()

	// Live window: second query inside the ttl is served from cache.
	for i := 0; i < 2; i++ {
		if _, err := c.Candles(ctx, "BTC", "1m", now.Add(-time.Hour), now); err != nil {
			t.Fatalf("candle query failed: %v", err)
		}
	}
	if got := f.infoCalls["candleSnapshot"]; got != 1 {
		t.Errorf("live candle requests = %d, want 1", got)
	}

	// Historical window: every query goes to the network.
	end := now.Add(-2 * time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := c.Candles(ctx, "BTC", "1m", end.Add(-time.Hour), end); err != nil {
			t.Fatalf("candle query failed: %v", err)
		}
	}
	if got := f.infoCalls["candleSnapshot"]; got != 3 {
		t.Errorf("candle requests after historical queries = %d, want 3", got)
	}
}

func TestNextNonceStrictlyIncreasing(t *testing.T) {
	_, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)

	prev := int64(0)
	for i := 0; i < 1000; i++ {
		n := c.nextNonce()
		if n <= prev {
			t.Fatalf("nonce %d not greater than previous %d", n, prev)
		}
		prev = n
	}
}

func TestNextNonceFollowsClock(t *testing.T) {
	_, srv := newFakeExchange(t)
	c := newTestClient(t, srv.URL, testPrivKey)
	clk := util.NewManualClock(time.UnixMilli(1700000000000))
	c.clock = clk
	c.prevNonce.Store(clk.Now().UnixMilli())

	// With the clock frozen, nonces still advance strictly.
	if n := c.nextNonce(); n != 1700000000001 {
		t.Errorf("first nonce = %d, want 1700000000001", n)
	}
	if n := c.nextNonce(); n != 1700000000002 {
		t.Errorf("second nonce = %d, want 1700000000002", n)
	}

	// Once the clock moves past the counter, the nonce follows the clock.
	clk.Advance(5 * time.Second)
	if n := c.nextNonce(); n != 1700000005000 {
		t.Errorf("nonce after advance = %d, want 1700000005000", n)
	}
}

func TestAllMidsMalformedPrice(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.mids = map[string]string{"BTC": "n/a"}
	c := newTestClient(t, srv.URL, testPrivKey)

	_, err := c.AllMids(context.Background())
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want ProtocolError (malformed number must not become 0)", err)
	}
}

func TestPositionsMalformedSize(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.state = clearinghouseState{AssetPositions: []assetPositionWire{
		{Position: positionWire{Coin: "BTC", Szi: "garbage"}},
	}}
	c := newTestClient(t, srv.URL, testPrivKey)

	_, err := c.Positions(context.Background(), nil)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want ProtocolError (malformed number must not become 0)", err)
	}
}

func TestPositionsFiltersZeroSize(t *testing.T) {
	f, srv := newFakeExchange(t)
	entry := "30000"
	f.state = clearinghouseState{AssetPositions: []assetPositionWire{
		{Position: positionWire{Coin: "BTC", Szi: "0.0", UnrealizedPnl: "0"}},
		{Position: positionWire{Coin: "ETH", Szi: "-2.5", EntryPx: &entry, UnrealizedPnl: "12.5", Leverage: leverageWire{Type: "cross", Value: 10}}},
	}}
	c := newTestClient(t, srv.URL, testPrivKey)

	positions, err := c.Positions(context.Background(), nil)
	if err != nil {
		t.Fatalf("positions query failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1 (zero size filtered)", len(positions))
	}
	pos := positions[0]
	if pos.Symbol != "ETH" || pos.Size != -2.5 || pos.EntryPrice != 30000 || pos.Leverage != 10 {
		t.Errorf("position = %+v, want ETH -2.5 @ 30000 lev 10", pos)
	}
}
