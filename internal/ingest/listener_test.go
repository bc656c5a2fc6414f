package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/go-redis/redis/v8"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/buffer"
	"updown-pipeline/internal/chain"
)

type fakeChainReader struct {
	epoch   int64
	address common.Address
	header  *ethtypes.Header
}

func (f *fakeChainReader) CurrentEpoch(context.Context) (int64, error) { return f.epoch, nil }
func (f *fakeChainReader) BlockByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return f.header, nil
}
func (f *fakeChainReader) ContractAddress() common.Address { return f.address }

func newTestListener(t *testing.T) (*Listener, *buffer.Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	buf := buffer.New(rdb, buffer.Config{StreamName: "bets", ConsumerGroup: "ingest"}, log)
	if err := buf.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	b := bus.New(rdb, log)

	reader := &fakeChainReader{
		epoch:   419131,
		address: common.HexToAddress("0x9999999999999999999999999999999999999a"),
		header:  &ethtypes.Header{Time: 1700000100},
	}
	l, err := NewListener("ws://unused", reader, buf, b, log)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return l, buf
}

func amountData(amountWei int64) []byte {
	b := make([]byte, 32)
	big.NewInt(amountWei).FillBytes(b)
	return b
}

type testNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string       `json:"subscription"`
		Result       ethtypes.Log `json:"result"`
	} `json:"params"`
}

func marshalNotification(t *testing.T, log ethtypes.Log) []byte {
	t.Helper()
	notif := testNotification{Method: "eth_subscription"}
	notif.Params.Subscription = "0x1"
	notif.Params.Result = log
	data, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return data
}

func TestDispatchDecodesBetBullAndBuffers(t *testing.T) {
	t.Parallel()
	l, buf := newTestListener(t)

	topic, err := chain.EventTopic("BetBull")
	if err != nil {
		t.Fatalf("EventTopic: %v", err)
	}
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	logEntry := ethtypes.Log{
		Address:     l.chain.ContractAddress(),
		Topics:      []common.Hash{topic, common.BytesToHash(sender.Bytes()), common.BigToHash(big.NewInt(419131))},
		Data:        amountData(300000000000000000), // 0.3 ETH in wei
		BlockNumber: 1000,
		TxHash:      common.HexToHash("0xaaaa"),
	}

	l.dispatch(context.Background(), marshalNotification(t, logEntry))

	entries, err := buf.ReadGroup(context.Background(), "test-consumer", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Kind != "bet" {
		t.Errorf("kind = %q, want bet", entries[0].Kind)
	}
}

func TestDispatchIgnoresUnknownTopic(t *testing.T) {
	t.Parallel()
	l, buf := newTestListener(t)

	logEntry := ethtypes.Log{
		Address: l.chain.ContractAddress(),
		Topics:  []common.Hash{common.HexToHash("0xdeadbeef")},
		Data:    amountData(1),
	}

	l.dispatch(context.Background(), marshalNotification(t, logEntry))

	entries, err := buf.ReadGroup(context.Background(), "test-consumer", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no buffered entries for an unrelated topic, got %d", len(entries))
	}
}

func TestDispatchIgnoresNonNotificationMessages(t *testing.T) {
	t.Parallel()
	l, buf := newTestListener(t)

	l.dispatch(context.Background(), []byte(`{"not":"a notification"}`))

	entries, err := buf.ReadGroup(context.Background(), "test-consumer", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no buffered entries, got %d", len(entries))
	}
}

func TestHeartbeatReadThenMarkActiveAdvancesActivity(t *testing.T) {
	t.Parallel()
	l, _ := newTestListener(t)
	before := l.lastActivityAt()
	time.Sleep(2 * time.Millisecond)
	if err := l.heartbeatRead(context.Background()); err != nil {
		t.Fatalf("heartbeatRead: %v", err)
	}
	l.markActive()
	if !l.lastActivityAt().After(before) {
		t.Error("expected markActive to advance lastActivity")
	}
}
