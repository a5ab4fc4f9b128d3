package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"nhblend/native/lending"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	defaultTimeout       = 10 * time.Second
	defaultRetryDelay    = 250 * time.Millisecond
)

// Config controls how the Client reaches a lendingd HTTP endpoint.
type Config struct {
	BaseURL     string
	BearerToken string
	// CAFile adds a PEM bundle to the system roots when verifying the server.
	CAFile        string
	AllowInsecure bool
	Timeout       time.Duration
	// Retries is the number of extra attempts made for writes that fail in
	// transport. Each attempt reuses the same idempotency key.
	Retries int
}

// Client is a typed wrapper around the lending HTTP API.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	bearer     string
	retries    int
	retryDelay time.Duration
}

// New constructs a Client from cfg.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else if strings.TrimSpace(cfg.CAFile) != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("append ca certificates: invalid pem data")
		}
		tlsConfig.RootCAs = pool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    base,
		http:       &http.Client{Timeout: timeout, Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		bearer:     strings.TrimSpace(cfg.BearerToken),
		retries:    retries,
		retryDelay: defaultRetryDelay,
	}, nil
}

// APIError is a non-2xx response from the lending API. It matches the
// engine's error kinds through errors.Is.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("lending api %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("lending api %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case lending.ErrValidation:
		return e.Kind == "validation"
	case lending.ErrAuthorization:
		return e.Kind == "authorization"
	case lending.ErrState:
		return e.Kind == "state"
	case lending.ErrEconomic:
		return e.Kind == "economic"
	case lending.ErrStalePrice:
		return e.Kind == "stale_price"
	}
	return false
}

// NotFound reports whether err is a 404 from the API.
func NotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Position mirrors the API's position document. Amounts are base-unit
// integers encoded as decimal strings.
type Position struct {
	ID                      string     `json:"id"`
	Borrower                string     `json:"borrower"`
	BorrowAsset             string     `json:"borrowAsset"`
	CollateralAsset         string     `json:"collateralAsset"`
	Principal               string     `json:"principal"`
	AccruedInterest         string     `json:"accruedInterest"`
	TotalDebt               string     `json:"totalDebt"`
	CollateralAmount        string     `json:"collateralAmount"`
	MaxLtvBps               uint64     `json:"maxLtvBps"`
	LiquidationThresholdBps uint64     `json:"liquidationThresholdBps"`
	Status                  string     `json:"status"`
	CreatedAt               *time.Time `json:"createdAt,omitempty"`
	LiquidationID           string     `json:"liquidationId,omitempty"`
	AuctionID               string     `json:"auctionId,omitempty"`
}

type Health struct {
	PositionID              string `json:"positionId"`
	CurrentLtvBps           uint64 `json:"currentLtvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	HealthFactor            string `json:"healthFactor"`
	IsLiquidatable          bool   `json:"isLiquidatable"`
	DebtValueUSD            string `json:"debtValueUsd"`
	CollateralValueUSD      string `json:"collateralValueUsd"`
}

type Collateral struct {
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Deposited string `json:"deposited"`
	Locked    string `json:"locked"`
	Available string `json:"available"`
}

type Market struct {
	Asset           string `json:"asset"`
	TotalSupplied   string `json:"totalSupplied"`
	TotalBorrowed   string `json:"totalBorrowed"`
	TotalReserves   string `json:"totalReserves"`
	AvailableSupply string `json:"availableSupply"`
	BadDebt         string `json:"badDebt"`
	UtilizationBps  uint64 `json:"utilizationBps"`
	BorrowRateBps   uint64 `json:"borrowRateBps"`
	SupplyRateBps   uint64 `json:"supplyRateBps"`
	BorrowAPR       string `json:"borrowApr"`
	SupplyAPR       string `json:"supplyApr"`
	ActivePositions uint64 `json:"activePositions"`
}

type Supply struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Shares string `json:"shares"`
}

type Liquidation struct {
	ID               string `json:"id"`
	PositionID       string `json:"positionId"`
	Liquidator       string `json:"liquidator"`
	Repaid           string `json:"repaid"`
	CollateralSeized string `json:"collateralSeized"`
	LiquidatorReward string `json:"liquidatorReward"`
	ProtocolFee      string `json:"protocolFee"`
	Completed        bool   `json:"completed"`
	IsAuction        bool   `json:"isAuction"`
	AuctionID        string `json:"auctionId,omitempty"`
}

type Auction struct {
	ID              string     `json:"id"`
	PositionID      string     `json:"positionId"`
	Debt            string     `json:"debt"`
	CollateralAsset string     `json:"collateralAsset"`
	CurrentPriceUSD string     `json:"currentPriceUsd"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	HighestBidder   string     `json:"highestBidder,omitempty"`
	HighestBid      string     `json:"highestBid"`
	Active          bool       `json:"active"`
	Completed       bool       `json:"completed"`
}

type LiquidationResult struct {
	Liquidation Liquidation `json:"liquidation"`
	Auction     *Auction    `json:"auction,omitempty"`
}

func (c *Client) DepositCollateral(ctx context.Context, asset string, amount *big.Int) (*Collateral, error) {
	var out Collateral
	err := c.write(ctx, http.MethodPost, "/v1/collateral/deposit", assetAmount(asset, amount, nil), &out)
	return &out, err
}

// WithdrawCollateral sends free collateral to recipient, or to the caller
// when recipient is nil.
func (c *Client) WithdrawCollateral(ctx context.Context, asset string, amount *big.Int, recipient *common.Address) (*Collateral, error) {
	var out Collateral
	err := c.write(ctx, http.MethodPost, "/v1/collateral/withdraw", assetAmount(asset, amount, recipient), &out)
	return &out, err
}

func (c *Client) SupplyLiquidity(ctx context.Context, asset string, amount *big.Int) (*Supply, error) {
	var out Supply
	err := c.write(ctx, http.MethodPost, "/v1/liquidity/supply", assetAmount(asset, amount, nil), &out)
	return &out, err
}

func (c *Client) WithdrawLiquidity(ctx context.Context, asset string, amount *big.Int) (*Supply, error) {
	var out Supply
	err := c.write(ctx, http.MethodPost, "/v1/liquidity/withdraw", assetAmount(asset, amount, nil), &out)
	return &out, err
}

// CreatePosition opens a loan of borrow units of borrowAsset against
// collateral units of collateralAsset already deposited by the caller.
func (c *Client) CreatePosition(ctx context.Context, borrowAsset, collateralAsset string, borrow, collateral *big.Int) (*Position, error) {
	body := map[string]string{
		"borrowAsset":      borrowAsset,
		"collateralAsset":  collateralAsset,
		"borrowAmount":     amountString(borrow),
		"collateralAmount": amountString(collateral),
	}
	var out Position
	err := c.write(ctx, http.MethodPost, "/v1/positions", body, &out)
	return &out, err
}

func (c *Client) IncreaseBorrow(ctx context.Context, positionID string, amount *big.Int) (*Position, error) {
	return c.positionOp(ctx, positionID, "borrow", amount)
}

func (c *Client) AddCollateral(ctx context.Context, positionID string, amount *big.Int) (*Position, error) {
	return c.positionOp(ctx, positionID, "collateral", amount)
}

func (c *Client) Repay(ctx context.Context, positionID string, amount *big.Int) (*Position, error) {
	return c.positionOp(ctx, positionID, "repay", amount)
}

func (c *Client) WithdrawPositionCollateral(ctx context.Context, positionID string, amount *big.Int) (*Position, error) {
	return c.positionOp(ctx, positionID, "withdraw", amount)
}

func (c *Client) positionOp(ctx context.Context, positionID, op string, amount *big.Int) (*Position, error) {
	var out Position
	path := "/v1/positions/" + url.PathEscape(positionID) + "/" + op
	err := c.write(ctx, http.MethodPost, path, map[string]string{"amount": amountString(amount)}, &out)
	return &out, err
}

func (c *Client) Liquidate(ctx context.Context, positionID string) (*LiquidationResult, error) {
	var out LiquidationResult
	err := c.write(ctx, http.MethodPost, "/v1/positions/"+url.PathEscape(positionID)+"/liquidate", nil, &out)
	return &out, err
}

func (c *Client) PlaceBid(ctx context.Context, auctionID string, amount *big.Int) (*Auction, error) {
	var out Auction
	err := c.write(ctx, http.MethodPost, "/v1/auctions/"+url.PathEscape(auctionID)+"/bids", map[string]string{"amount": amountString(amount)}, &out)
	return &out, err
}

func (c *Client) FinalizeAuction(ctx context.Context, auctionID string) (*Auction, error) {
	var out Auction
	err := c.write(ctx, http.MethodPost, "/v1/auctions/"+url.PathEscape(auctionID)+"/finalize", nil, &out)
	return &out, err
}

func (c *Client) SetPauses(ctx context.Context, pauses lending.ActionPauses) (*lending.ActionPauses, error) {
	var out lending.ActionPauses
	err := c.write(ctx, http.MethodPut, "/v1/admin/pauses", pauses, &out)
	return &out, err
}

func (c *Client) GetPosition(ctx context.Context, positionID string) (*Position, error) {
	var out Position
	err := c.read(ctx, "/v1/positions/"+url.PathEscape(positionID), &out)
	return &out, err
}

func (c *Client) GetPositionHealth(ctx context.Context, positionID string) (*Health, error) {
	var out Health
	err := c.read(ctx, "/v1/positions/"+url.PathEscape(positionID)+"/health", &out)
	return &out, err
}

func (c *Client) GetUserPositions(ctx context.Context, owner common.Address) ([]Position, error) {
	var out []Position
	err := c.read(ctx, "/v1/accounts/"+owner.Hex()+"/positions", &out)
	return out, err
}

func (c *Client) GetMarketRates(ctx context.Context, asset string) (*Market, error) {
	var out Market
	err := c.read(ctx, "/v1/markets/"+url.PathEscape(asset)+"/rates", &out)
	return &out, err
}

func (c *Client) GetAuction(ctx context.Context, auctionID string) (*Auction, error) {
	var out Auction
	err := c.read(ctx, "/v1/auctions/"+url.PathEscape(auctionID), &out)
	return &out, err
}

func (c *Client) read(ctx context.Context, path string, out interface{}) error {
	resp, err := c.send(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// write sends a mutating request under a fresh idempotency key, retrying
// transport failures with the same key so the server applies it at most once.
func (c *Client) write(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	key := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		resp, err := c.send(ctx, method, path, payload, key)
		if err != nil {
			lastErr = err
			continue
		}
		return decodeResponse(resp, out)
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, key string) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Kind = body.Kind
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func assetAmount(asset string, amount *big.Int, recipient *common.Address) map[string]string {
	body := map[string]string{"asset": asset, "amount": amountString(amount)}
	if recipient != nil {
		body["recipient"] = recipient.Hex()
	}
	return body
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
