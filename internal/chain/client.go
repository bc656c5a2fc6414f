// Package chain wraps the prediction-market contract behind a small,
// rate-limited client. It is grounded on the call/decode shape of
// ChoSanghyuk-blackholedex's contractclient (Call/DecodeTransaction over a
// bind.BoundContract) generalized from that DEX's AMM reads to this
// contract's round/epoch/ledger reads and its two bet sends.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// priceScale and amountScale match the contract's fixed-point encodings:
// prices are 1e8 (8 decimals), amounts are 1e18 (wei).
var (
	priceScale  = decimal.New(1, 8)
	amountScale = decimal.New(1, 18)
)

// Client talks to the prediction-market contract over an HTTP(S) JSON-RPC
// endpoint. Reads and writes are both funneled through a RateLimiter so the
// pipeline never outruns the node's own per-category limits.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	chainID  *big.Int
	limiter  *RateLimiter
	signer   *ecdsa.PrivateKey // nil unless the trader is enabled
}

// Config carries the dial parameters for NewClient.
type Config struct {
	RPCURL      string
	ContractHex string
	ChainID     int64
	PrivateKey  string // hex, no 0x prefix; empty disables BetBull/BetBear
}

// NewClient dials the RPC endpoint and binds the embedded ABI to the given
// contract address.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	addr := common.HexToAddress(cfg.ContractHex)
	bound := bind.NewBoundContract(addr, parsedABI, eth, eth, eth)

	c := &Client{
		eth:      eth,
		contract: bound,
		address:  addr,
		chainID:  big.NewInt(cfg.ChainID),
		limiter:  NewRateLimiter(),
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("chain: parse private key: %w", err)
		}
		c.signer = key
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// BlockByNumber returns the block header for the given height, respecting
// the read rate limit. nil requests the latest block.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.HeaderByNumber(ctx, number)
}

// LatestBlock returns the current chain head height.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.BlockNumber(ctx)
}

// CurrentEpoch reads currentEpoch().
func (c *Client) CurrentEpoch(ctx context.Context) (int64, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return 0, err
	}
	out, err := c.call(ctx, "currentEpoch")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Int64(), nil
}

// BufferSeconds reads bufferSeconds(), the betting-window buffer baked into
// the contract (used by the trader to derive t_stop = lock time minus the
// buffer).
func (c *Client) BufferSeconds(ctx context.Context) (int64, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return 0, err
	}
	out, err := c.call(ctx, "bufferSeconds")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Int64(), nil
}

// Round reads rounds(epoch) and converts the fixed-point outputs to decimal.
type Round struct {
	Epoch          int64
	StartTimestamp int64
	LockTimestamp  int64
	CloseTimestamp int64
	LockPrice      decimal.Decimal
	ClosePrice     decimal.Decimal
	TotalAmount    decimal.Decimal
	BullAmount     decimal.Decimal
	BearAmount     decimal.Decimal
}

// Round fetches the on-chain round struct for epoch.
func (c *Client) Round(ctx context.Context, epoch int64) (Round, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return Round{}, err
	}
	out, err := c.call(ctx, "rounds", big.NewInt(epoch))
	if err != nil {
		return Round{}, err
	}
	return Round{
		Epoch:          out[0].(*big.Int).Int64(),
		StartTimestamp: out[1].(*big.Int).Int64(),
		LockTimestamp:  out[2].(*big.Int).Int64(),
		CloseTimestamp: out[3].(*big.Int).Int64(),
		LockPrice:      decimal.NewFromBigInt(out[4].(*big.Int), 0).Div(priceScale),
		ClosePrice:     decimal.NewFromBigInt(out[5].(*big.Int), 0).Div(priceScale),
		TotalAmount:    decimal.NewFromBigInt(out[6].(*big.Int), 0).Div(amountScale),
		BullAmount:     decimal.NewFromBigInt(out[7].(*big.Int), 0).Div(amountScale),
		BearAmount:     decimal.NewFromBigInt(out[8].(*big.Int), 0).Div(amountScale),
	}, nil
}

// LedgerEntry is one wallet's position in one epoch.
type LedgerEntry struct {
	Position ledgerPosition
	Amount   decimal.Decimal
	Claimed  bool
}

// Ledger reads ledger(epoch, wallet).
func (c *Client) Ledger(ctx context.Context, epoch int64, wallet common.Address) (LedgerEntry, error) {
	if err := c.limiter.Read.Wait(ctx); err != nil {
		return LedgerEntry{}, err
	}
	out, err := c.call(ctx, "ledger", big.NewInt(epoch), wallet)
	if err != nil {
		return LedgerEntry{}, err
	}
	return LedgerEntry{
		Position: ledgerPosition(out[0].(uint8)),
		Amount:   decimal.NewFromBigInt(out[1].(*big.Int), 0).Div(amountScale),
		Claimed:  out[2].(bool),
	}, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	return out, nil
}

// BetBull submits a betBull(epoch) transaction for amountETH, paying
// gasBumpMultiplier times the node's suggested gas price. If nonce is
// non-nil, it pins the transaction to that nonce instead of letting
// go-ethereum re-fetch the pending nonce at send time — the arming path's
// whole point is to reserve a nonce ahead of the close and spend it here.
func (c *Client) BetBull(ctx context.Context, epoch int64, amountETH decimal.Decimal, gasBump float64, nonce *uint64) (*types.Transaction, error) {
	return c.sendBet(ctx, "betBull", epoch, amountETH, gasBump, nonce)
}

// BetBear submits a betBear(epoch) transaction.
func (c *Client) BetBear(ctx context.Context, epoch int64, amountETH decimal.Decimal, gasBump float64, nonce *uint64) (*types.Transaction, error) {
	return c.sendBet(ctx, "betBear", epoch, amountETH, gasBump, nonce)
}

func (c *Client) sendBet(ctx context.Context, method string, epoch int64, amountETH decimal.Decimal, gasBump float64, nonce *uint64) (*types.Transaction, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("chain: %s: no private key configured", method)
	}
	if err := c.limiter.Write.Wait(ctx); err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.signer, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: build transactor: %w", err)
	}
	auth.Context = ctx
	auth.Value = amountETH.Mul(amountScale).BigInt()
	if nonce != nil {
		auth.Nonce = new(big.Int).SetUint64(*nonce)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	auth.GasPrice = bumpGasPrice(gasPrice, gasBump)

	tx, err := c.contract.Transact(auth, method, big.NewInt(epoch))
	if err != nil {
		return nil, fmt.Errorf("chain: %s(%d): %w", method, epoch, err)
	}
	return tx, nil
}

func bumpGasPrice(base *big.Int, multiplier float64) *big.Int {
	if multiplier <= 1.0 {
		return base
	}
	scaled := decimal.NewFromBigInt(base, 0).Mul(decimal.NewFromFloat(multiplier))
	return scaled.BigInt()
}

// TransactionReceipt blocks for the given tx's mined receipt.
func (c *Client) TransactionReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.eth, tx)
}

// Nonce returns the pending-state nonce for the signer's own address, used
// by the trader to pin a nonce at arming time.
func (c *Client) Nonce(ctx context.Context) (uint64, error) {
	if c.signer == nil {
		return 0, fmt.Errorf("chain: no private key configured")
	}
	addr := crypto.PubkeyToAddress(c.signer.PublicKey)
	return c.eth.PendingNonceAt(ctx, addr)
}

// OwnAddress returns the address derived from the configured private key,
// used by the trader to check its own ledger position before placing a bet.
func (c *Client) OwnAddress() (common.Address, error) {
	if c.signer == nil {
		return common.Address{}, fmt.Errorf("chain: no private key configured")
	}
	return crypto.PubkeyToAddress(c.signer.PublicKey), nil
}
