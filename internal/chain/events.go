package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// BetEvent is a decoded BetBull or BetBear log.
type BetEvent struct {
	Sender      common.Address
	Epoch       int64
	Amount      decimal.Decimal
	BlockNumber uint64
	TxHash      common.Hash
}

// ClaimEvent is a decoded Claim log.
type ClaimEvent struct {
	Sender      common.Address
	Epoch       int64
	Amount      decimal.Decimal
	BlockNumber uint64
	TxHash      common.Hash
}

// FilterBetBull returns every BetBull event in [fromBlock, toBlock], both
// inclusive. This is the forward/backward/gap worker's primary read: one
// FilterLogs call per reconciled block range rather than one per block.
func (c *Client) FilterBetBull(ctx context.Context, fromBlock, toBlock uint64) ([]BetEvent, error) {
	return c.filterBetEvent(ctx, "BetBull", fromBlock, toBlock)
}

// FilterBetBear returns every BetBear event in [fromBlock, toBlock].
func (c *Client) FilterBetBear(ctx context.Context, fromBlock, toBlock uint64) ([]BetEvent, error) {
	return c.filterBetEvent(ctx, "BetBear", fromBlock, toBlock)
}

func (c *Client) filterBetEvent(ctx context.Context, eventName string, fromBlock, toBlock uint64) ([]BetEvent, error) {
	if err := c.limiter.Filter.Wait(ctx); err != nil {
		return nil, err
	}

	ev, ok := parsedABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("chain: unknown event %s", eventName)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter %s [%d,%d]: %w", eventName, fromBlock, toBlock, err)
	}

	out := make([]BetEvent, 0, len(logs))
	for _, log := range logs {
		evt, ok, err := DecodeBetLog(eventName, log)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s at block %d: %w", eventName, log.BlockNumber, err)
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

// DecodeBetLog decodes a single raw log into a BetEvent if it matches the
// shape of a BetBull/BetBear event (indexed sender, indexed epoch, data
// amount). ok is false for malformed logs that should be skipped rather
// than failing the whole batch. Shared by the historical FilterLogs path
// and the live subscription listener so both decode identically.
func DecodeBetLog(eventName string, log ethtypes.Log) (BetEvent, bool, error) {
	if len(log.Topics) < 3 {
		return BetEvent{}, false, nil
	}
	var decoded struct {
		Amount *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&decoded, eventName, log.Data); err != nil {
		return BetEvent{}, false, err
	}
	return BetEvent{
		Sender:      common.HexToAddress(log.Topics[1].Hex()),
		Epoch:       new(big.Int).SetBytes(log.Topics[2].Bytes()).Int64(),
		Amount:      decimal.NewFromBigInt(decoded.Amount, 0).Div(amountScale),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, true, nil
}

// FilterClaim returns every Claim event in [fromBlock, toBlock].
func (c *Client) FilterClaim(ctx context.Context, fromBlock, toBlock uint64) ([]ClaimEvent, error) {
	if err := c.limiter.Filter.Wait(ctx); err != nil {
		return nil, err
	}

	ev := parsedABI.Events["Claim"]
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter Claim [%d,%d]: %w", fromBlock, toBlock, err)
	}

	out := make([]ClaimEvent, 0, len(logs))
	for _, log := range logs {
		evt, ok, err := DecodeClaimLog(log)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack Claim at block %d: %w", log.BlockNumber, err)
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

// DecodeClaimLog decodes a single raw log into a ClaimEvent, mirroring
// DecodeBetLog for the Claim event's (indexed sender, epoch, amount) shape.
func DecodeClaimLog(log ethtypes.Log) (ClaimEvent, bool, error) {
	if len(log.Topics) < 2 {
		return ClaimEvent{}, false, nil
	}
	var decoded struct {
		Epoch  *big.Int
		Amount *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&decoded, "Claim", log.Data); err != nil {
		return ClaimEvent{}, false, err
	}
	return ClaimEvent{
		Sender:      common.HexToAddress(log.Topics[1].Hex()),
		Epoch:       decoded.Epoch.Int64(),
		Amount:      decimal.NewFromBigInt(decoded.Amount, 0).Div(amountScale),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, true, nil
}

// EventTopic returns the keccak topic hash for a named event in the
// embedded ABI, used by the live listener to build its eth_subscribe filter.
func EventTopic(eventName string) (common.Hash, error) {
	ev, ok := parsedABI.Events[eventName]
	if !ok {
		return common.Hash{}, fmt.Errorf("chain: unknown event %s", eventName)
	}
	return ev.ID, nil
}

// ContractAddress exposes the bound contract address for building
// subscription filters outside the Client (e.g. the live listener's raw
// eth_subscribe request).
func (c *Client) ContractAddress() common.Address { return c.address }
