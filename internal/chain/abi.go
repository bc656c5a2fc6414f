package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// predictionABI is the subset of the prediction-market contract's ABI this
// pipeline talks to: the round/epoch/ledger reads, the two bet calls, and
// the three events read during reconciliation and live ingest (§4.A, §6).
const predictionABI = `[
  {"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"bufferSeconds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"rounds","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],
   "outputs":[
     {"name":"epoch","type":"uint256"},
     {"name":"startTimestamp","type":"uint256"},
     {"name":"lockTimestamp","type":"uint256"},
     {"name":"closeTimestamp","type":"uint256"},
     {"name":"lockPrice","type":"int256"},
     {"name":"closePrice","type":"int256"},
     {"name":"totalAmount","type":"uint256"},
     {"name":"bullAmount","type":"uint256"},
     {"name":"bearAmount","type":"uint256"}
   ]},
  {"type":"function","name":"ledger","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"},{"name":"user","type":"address"}],
   "outputs":[{"name":"position","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"claimed","type":"bool"}]},
  {"type":"function","name":"betBull","stateMutability":"payable","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"betBear","stateMutability":"payable","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"BetBull","inputs":[
     {"name":"sender","type":"address","indexed":true},
     {"name":"epoch","type":"uint256","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"BetBear","inputs":[
     {"name":"sender","type":"address","indexed":true},
     {"name":"epoch","type":"uint256","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Claim","inputs":[
     {"name":"sender","type":"address","indexed":true},
     {"name":"epoch","type":"uint256","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}
  ]}
]`

// parsedABI parses predictionABI once at init time.
var parsedABI abi.ABI

func init() {
	a, err := abi.JSON(strings.NewReader(predictionABI))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	parsedABI = a
}

// roundData matches the Solidity struct returned by rounds(epoch): prices
// are fixed-point (1e8), amounts fixed-point (1e18).
type roundData struct {
	Epoch          uint64
	StartTimestamp uint64
	LockTimestamp  uint64
	CloseTimestamp uint64
	LockPrice      int64
	ClosePrice     int64
	TotalAmount    uint64 // decoded from *big.Int via decimal scaling helpers
	BullAmount     uint64
	BearAmount     uint64
}

// ledgerPosition mirrors the Solidity enum Position { Bull, Bear }.
type ledgerPosition uint8

const (
	positionBull ledgerPosition = 0
	positionBear ledgerPosition = 1
)
