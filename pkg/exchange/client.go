package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/despo33/hyperbot-sub000/params"
	hlcrypto "github.com/despo33/hyperbot-sub000/pkg/crypto"
	"github.com/despo33/hyperbot-sub000/pkg/util"
)

const (
	metaTTL    = 60 * time.Second
	midsTTL    = 2 * time.Second
	candleTTL  = 5 * time.Second
	candleCap  = 50
	// Candle windows ending this far in the past are immutable; they skip the
	// cache entirely so historical scans never evict the hot rolling windows.
	historicalAge = 60 * time.Second
)

// Client orchestrates read queries and signed mutations against the exchange.
// Reads go to the info endpoint; mutations are encoded, signed and posted to
// the exchange endpoint. All caches are owned by the instance.
type Client struct {
	apiURL   string
	http     *http.Client
	log      *zap.SugaredLogger
	clock    util.Clock
	signer   *hlcrypto.Signer
	vault    *common.Address
	mainnet  bool
	slippage float64

	// Nonces must be unique per signing identity and close to wall-clock
	// milliseconds. A CAS loop keeps them strictly increasing even when two
	// mutations land in the same millisecond.
	prevNonce atomic.Int64

	metaCache   *ttlCache
	midsCache   *ttlCache
	candleCache *ttlCache
}

// New builds a Client from config. A missing private key leaves the client in
// read-only mode: mutations return ErrAuthRequired.
func New(cfg params.Exchange, trading params.Trading, logger *zap.SugaredLogger) (*Client, error) {
	c := &Client{
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		log:         logger,
		clock:       util.RealClock{},
		mainnet:     cfg.Mainnet,
		slippage:    trading.Slippage,
		metaCache:   newTTLCache(metaTTL, 0),
		midsCache:   newTTLCache(midsTTL, 0),
		candleCache: newTTLCache(candleTTL, candleCap),
	}

	if cfg.PrivateKey != "" {
		signer, err := hlcrypto.FromPrivateKeyHex(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		c.signer = signer
	}
	if cfg.VaultAddress != "" {
		addr := common.HexToAddress(cfg.VaultAddress)
		c.vault = &addr
	}

	c.prevNonce.Store(c.clock.Now().UnixMilli())
	return c, nil
}

// Address returns the account address queries default to: the vault when
// configured, otherwise the signer's address.
func (c *Client) Address() (common.Address, error) {
	if c.vault != nil {
		return *c.vault, nil
	}
	if c.signer == nil {
		return common.Address{}, ErrAuthRequired
	}
	return c.signer.Address(), nil
}

// nextNonce returns a strictly increasing wall-clock-seeded nonce.
func (c *Client) nextNonce() int64 {
	for {
		prev := c.prevNonce.Load()
		curr := c.clock.Now().UnixMilli()
		if curr <= prev {
			curr = prev + 1
		}
		if c.prevNonce.CompareAndSwap(prev, curr) {
			return curr
		}
	}
}

// postJSON posts a JSON body and maps the three transport-level failure modes
// onto the error taxonomy: no response at all (TransportError), a non-2xx or
// non-JSON response (ProtocolError, raw text kept), or success.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "POST " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProtocolError{StatusCode: resp.StatusCode, Raw: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{StatusCode: resp.StatusCode, Raw: string(raw)}
	}
	return nil
}

func (c *Client) postInfo(ctx context.Context, req any, out any) error {
	return c.postJSON(ctx, "/info", req, out)
}

// Meta returns the exchange metadata (asset universe), cached for 60s.
func (c *Client) Meta(ctx context.Context) (*Meta, error) {
	now := c.clock.Now()
	if cached, ok := c.metaCache.get("meta", now); ok {
		return cached.(*Meta), nil
	}

	var meta Meta
	if err := c.postInfo(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		return nil, err
	}
	c.metaCache.put("meta", &meta, now)
	return &meta, nil
}

// assetInfo resolves a symbol to its universe index and metadata.
func (c *Client) assetInfo(ctx context.Context, symbol string) (AssetInfo, int, error) {
	meta, err := c.Meta(ctx)
	if err != nil {
		return AssetInfo{}, 0, err
	}
	for i, asset := range meta.Universe {
		if asset.Name == symbol {
			return asset, i, nil
		}
	}
	return AssetInfo{}, 0, &AssetNotFoundError{Symbol: symbol}
}

// AllMids returns the current mid price for every asset, cached for 2s.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	now := c.clock.Now()
	if cached, ok := c.midsCache.get("mids", now); ok {
		return cached.(map[string]float64), nil
	}

	var raw map[string]string
	if err := c.postInfo(ctx, map[string]any{"type": "allMids"}, &raw); err != nil {
		return nil, err
	}
	mids := make(map[string]float64, len(raw))
	for symbol, px := range raw {
		mid, err := parseFloat(px)
		if err != nil {
			return nil, &ProtocolError{StatusCode: 200, Raw: fmt.Sprintf("mid for %s: %v", symbol, err)}
		}
		mids[symbol] = mid
	}
	c.midsCache.put("mids", mids, now)
	return mids, nil
}

// MidPrice returns the current mid price for one symbol.
func (c *Client) MidPrice(ctx context.Context, symbol string) (float64, error) {
	mids, err := c.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	px, ok := mids[symbol]
	if !ok {
		return 0, &AssetNotFoundError{Symbol: symbol}
	}
	return px, nil
}

// Candles returns the candle snapshot for a symbol and interval. Live windows
// are cached 5s per symbol+interval (LRU-capped); windows ending more than
// 60s in the past are immutable and bypass the cache.
func (c *Client) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	now := c.clock.Now()
	historical := now.Sub(end) > historicalAge
	key := symbol + "/" + interval

	if !historical {
		if cached, ok := c.candleCache.get(key, now); ok {
			return cached.([]Candle), nil
		}
	}

	req := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      symbol,
			"interval":  interval,
			"startTime": toMillis(start),
			"endTime":   toMillis(end),
		},
	}
	var candles []Candle
	if err := c.postInfo(ctx, req, &candles); err != nil {
		return nil, err
	}

	if !historical {
		c.candleCache.put(key, candles, now)
	}
	return candles, nil
}

// resolveAddress picks the query address: explicit argument wins, then the
// configured vault, then the signer identity.
func (c *Client) resolveAddress(address *common.Address) (common.Address, error) {
	if address != nil {
		return *address, nil
	}
	return c.Address()
}

// Positions returns all open positions for the address (or the client's own
// account). Positions with zero size are filtered out.
func (c *Client) Positions(ctx context.Context, address *common.Address) ([]Position, error) {
	addr, err := c.resolveAddress(address)
	if err != nil {
		return nil, err
	}

	var state clearinghouseState
	req := map[string]any{"type": "clearinghouseState", "user": addr.Hex()}
	if err := c.postInfo(ctx, req, &state); err != nil {
		return nil, err
	}

	var positions []Position
	for _, ap := range state.AssetPositions {
		pos, open, err := ap.Position.toPosition()
		if err != nil {
			return nil, &ProtocolError{StatusCode: 200, Raw: fmt.Sprintf("position for %s: %v", ap.Position.Coin, err)}
		}
		if open {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// OpenOrders returns the resting and trigger orders for the address.
func (c *Client) OpenOrders(ctx context.Context, address *common.Address) ([]OpenOrder, error) {
	addr, err := c.resolveAddress(address)
	if err != nil {
		return nil, err
	}

	var orders []OpenOrder
	req := map[string]any{"type": "frontendOpenOrders", "user": addr.Hex()}
	if err := c.postInfo(ctx, req, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Balance returns the account's margin summary.
func (c *Client) Balance(ctx context.Context, address *common.Address) (Balance, error) {
	addr, err := c.resolveAddress(address)
	if err != nil {
		return Balance{}, err
	}

	var state clearinghouseState
	req := map[string]any{"type": "clearinghouseState", "user": addr.Hex()}
	if err := c.postInfo(ctx, req, &state); err != nil {
		return Balance{}, err
	}

	var b Balance
	if b.AccountValue, err = parseFloat(state.MarginSummary.AccountValue); err == nil {
		if b.MarginUsed, err = parseFloat(state.MarginSummary.TotalMarginUsed); err == nil {
			b.Withdrawable, err = parseFloat(state.Withdrawable)
		}
	}
	if err != nil {
		return Balance{}, &ProtocolError{StatusCode: 200, Raw: fmt.Sprintf("margin summary: %v", err)}
	}
	return b, nil
}

// Ping is the health-supervisor probe: a cheap uncached read that proves the
// REST channel end to end.
func (c *Client) Ping(ctx context.Context) error {
	var raw map[string]string
	return c.postInfo(ctx, map[string]any{"type": "allMids"}, &raw)
}
