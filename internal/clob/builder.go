package clob

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/pairbot/internal/domain"
)

// TickSize is the minimum price increment of a token, as reported by the
// exchange ("0.1" .. "0.0001").
type TickSize string

type roundConfig struct {
	price  int32 // decimals kept on price
	size   int32 // decimals kept on share size
	amount int32 // decimals kept on the maker/taker product
}

var roundingConfig = map[TickSize]roundConfig{
	"0.1":    {price: 1, size: 2, amount: 3},
	"0.01":   {price: 2, size: 2, amount: 4},
	"0.001":  {price: 3, size: 2, amount: 5},
	"0.0001": {price: 4, size: 2, amount: 6},
}

func (t TickSize) valid() bool {
	_, ok := roundingConfig[t]
	return ok
}

func (t TickSize) value() decimal.Decimal {
	d, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.NewFromFloat(0.01)
	}
	return d
}

// priceValid checks the exchange's acceptance window [tick, 1-tick].
func priceValid(price decimal.Decimal, tick TickSize) bool {
	t := tick.value()
	return price.GreaterThanOrEqual(t) && price.LessThanOrEqual(decimal.NewFromInt(1).Sub(t))
}

// normalizePrice clamps a raw price onto the token's tick grid.
func normalizePrice(price float64, tick TickSize) decimal.Decimal {
	rc, ok := roundingConfig[tick]
	if !ok {
		rc = roundingConfig["0.01"]
	}
	return decimal.NewFromFloat(price).Round(rc.price)
}

// orderAmounts is the on-chain representation of one order: integer token
// amounts scaled by 1e6.
type orderAmounts struct {
	side        int // 0 buy, 1 sell
	makerAmount string
	takerAmount string
}

// buildOrderAmounts converts (side, size, price) into maker/taker amounts.
// BUY: maker pays USDC (size*price), taker receives shares.
// SELL: maker gives shares, taker receives USDC.
func buildOrderAmounts(side domain.Side, size, price float64, tick TickSize) (orderAmounts, error) {
	rc, ok := roundingConfig[tick]
	if !ok {
		return orderAmounts{}, errors.Errorf("unsupported tick size: %s", tick)
	}

	p := decimal.NewFromFloat(price).Round(rc.price)
	shares := decimal.NewFromFloat(size).RoundFloor(rc.size)
	if shares.LessThanOrEqual(decimal.Zero) {
		return orderAmounts{}, errors.Errorf("order size %v rounds to zero", size)
	}

	usd := shares.Mul(p)
	if -usd.Exponent() > rc.amount {
		usd = usd.RoundCeil(rc.amount + 4)
		if -usd.Exponent() > rc.amount {
			usd = usd.RoundFloor(rc.amount)
		}
	}

	switch side {
	case domain.SideBuy:
		return orderAmounts{
			side:        0,
			makerAmount: toTokenUnits(usd),
			takerAmount: toTokenUnits(shares),
		}, nil
	case domain.SideSell:
		return orderAmounts{
			side:        1,
			makerAmount: toTokenUnits(shares),
			takerAmount: toTokenUnits(usd),
		}, nil
	default:
		return orderAmounts{}, errors.Errorf("order side must be BUY or SELL, got %q", side)
	}
}

// toTokenUnits scales a decimal to the 6-decimal integer representation.
func toTokenUnits(d decimal.Decimal) string {
	return d.Shift(6).Round(0).String()
}

// generateSalt returns a random 32-bit salt, matching what the exchange
// expects in the order struct.
func generateSalt() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return int64(binary.LittleEndian.Uint64(b[:]) & 0xffffffff)
	}
	return time.Now().UnixNano() & 0xffffffff
}

// contractConfig holds the addresses the order signature binds to.
type contractConfig struct {
	Exchange        common.Address
	Collateral      common.Address
	ConditionalToks common.Address
}

var polygonContracts = map[bool]contractConfig{
	// negRisk=false
	false: {
		Exchange:        common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
		Collateral:      common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		ConditionalToks: common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"),
	},
	// negRisk=true
	true: {
		Exchange:        common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a"),
		Collateral:      common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		ConditionalToks: common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"),
	},
}

func getContractConfig(chainID int64, negRisk bool) (contractConfig, error) {
	if chainID != 137 {
		return contractConfig{}, errors.Errorf("no exchange contracts configured for chain %d", chainID)
	}
	return polygonContracts[negRisk], nil
}

// ExchangeAddresses lists the exchange contracts that need collateral and
// conditional token approvals on the given chain.
func ExchangeAddresses(chainID int64) ([]common.Address, error) {
	std, err := getContractConfig(chainID, false)
	if err != nil {
		return nil, err
	}
	neg, err := getContractConfig(chainID, true)
	if err != nil {
		return nil, err
	}
	return []common.Address{std.Exchange, neg.Exchange}, nil
}
