package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TestEmbeddedABIParses guards against a malformed edit to the embedded ABI
// JSON silently breaking every event decode.
func TestEmbeddedABIParses(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"BetBull", "BetBear", "Claim"} {
		if _, ok := parsedABI.Events[name]; !ok {
			t.Errorf("embedded ABI missing event %s", name)
		}
	}
	for _, name := range []string{"currentEpoch", "bufferSeconds", "rounds", "ledger", "betBull", "betBear"} {
		if _, ok := parsedABI.Methods[name]; !ok {
			t.Errorf("embedded ABI missing method %s", name)
		}
	}
}

// TestUnpackBetAmount exercises the non-indexed-data decode path used by
// filterBetEvent without requiring a live RPC connection.
func TestUnpackBetAmount(t *testing.T) {
	t.Parallel()

	amountType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	args := abi.Arguments{{Type: amountType}}
	packed, err := args.Pack(big.NewInt(1_500_000_000_000_000_000)) // 1.5 ETH in wei
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Amount *big.Int
	}
	if err := parsedABI.UnpackIntoInterface(&decoded, "BetBull", packed); err != nil {
		t.Fatalf("UnpackIntoInterface: %v", err)
	}
	want := big.NewInt(1_500_000_000_000_000_000)
	if decoded.Amount.Cmp(want) != 0 {
		t.Errorf("Amount = %s, want %s", decoded.Amount, want)
	}
}

func TestBumpGasPrice(t *testing.T) {
	t.Parallel()

	base := big.NewInt(100)
	if got := bumpGasPrice(base, 1.0); got.Cmp(base) != 0 {
		t.Errorf("multiplier 1.0 should return base unchanged, got %s", got)
	}

	bumped := bumpGasPrice(base, 1.2)
	if bumped.Cmp(big.NewInt(120)) != 0 {
		t.Errorf("bumpGasPrice(100, 1.2) = %s, want 120", bumped)
	}
}
