package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Polygon mainnet settlement contracts.
const (
	USDCeAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	CTFAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

var (
	erc20ABI   = mustABI(`[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`)
	ctfABI     = mustABI(`[{"constant":false,"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"name":"mergePositions","outputs":[],"type":"function"},{"constant":false,"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"name":"redeemPositions","outputs":[],"type":"function"},{"constant":false,"inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"name":"setApprovalForAll","outputs":[],"type":"function"},{"constant":true,"inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"type":"function"}]`)
)

// Client settles positions against the conditional token framework and
// reads collateral balances. It implements engine.Ledger.
type Client struct {
	ec      *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	signer  common.Address
	funder  common.Address
	log     *logrus.Entry
}

// New dials the RPC endpoint. funder is the address whose balances matter;
// empty means the signing key's own address.
func New(rpcURL string, key *ecdsa.PrivateKey, chainID int64, funder string) (*Client, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc")
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	funderAddr := signer
	if funder != "" {
		funderAddr = common.HexToAddress(funder)
	}
	return &Client{
		ec:      ec,
		chainID: big.NewInt(chainID),
		key:     key,
		signer:  signer,
		funder:  funderAddr,
		log:     logrus.WithField("component", "ledger"),
	}, nil
}

func (c *Client) Close() {
	c.ec.Close()
}

func (c *Client) Address() common.Address { return c.signer }

// CollateralBalance reads the funder's USDC balance in whole dollars.
func (c *Client) CollateralBalance(ctx context.Context) (float64, error) {
	contract := common.HexToAddress(USDCeAddress)
	data, err := erc20ABI.Pack("balanceOf", c.funder)
	if err != nil {
		return 0, err
	}
	res, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "usdc balanceOf")
	}
	out, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return 0, err
	}
	bal := out[0].(*big.Int)
	val, _ := new(big.Rat).SetFrac(bal, big.NewInt(1_000_000)).Float64()
	return val, nil
}

// MergePositions burns size complete sets (YES+NO) of the condition back
// into USDC and returns the transaction hash.
func (c *Client) MergePositions(ctx context.Context, conditionID string, size float64) (string, error) {
	cid, err := conditionIDBytes(conditionID)
	if err != nil {
		return "", err
	}
	amount := decimal.NewFromFloat(size).Shift(6).Round(0).BigInt()
	if amount.Sign() <= 0 {
		return "", errors.Errorf("merge size %v rounds to zero", size)
	}

	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}
	hash, err := c.transact(ctx, common.HexToAddress(CTFAddress), ctfABI, "mergePositions",
		common.HexToAddress(USDCeAddress), [32]byte{}, cid, partition, amount)
	if err != nil {
		return "", errors.Wrapf(err, "merge positions %s", conditionID)
	}
	c.log.Infof("merged %v sets of %s tx=%s", size, conditionID, hash.Hex())
	return hash.Hex(), nil
}

// RedeemPositions claims winnings for a resolved condition.
func (c *Client) RedeemPositions(ctx context.Context, conditionID string) (string, error) {
	cid, err := conditionIDBytes(conditionID)
	if err != nil {
		return "", err
	}
	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
	hash, err := c.transact(ctx, common.HexToAddress(CTFAddress), ctfABI, "redeemPositions",
		common.HexToAddress(USDCeAddress), [32]byte{}, cid, indexSets)
	if err != nil {
		return "", errors.Wrapf(err, "redeem positions %s", conditionID)
	}
	c.log.Infof("redeemed %s tx=%s", conditionID, hash.Hex())
	return hash.Hex(), nil
}

// EnsureApprovals grants the exchange and CTF the allowances trading needs.
// Safe to call on every start; no-ops when already approved.
func (c *Client) EnsureApprovals(ctx context.Context, exchange common.Address) error {
	usdc := common.HexToAddress(USDCeAddress)
	ctf := common.HexToAddress(CTFAddress)

	allowance, err := c.erc20Allowance(ctx, usdc, exchange)
	if err != nil {
		return err
	}
	if allowance.Sign() == 0 {
		max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
		if _, err := c.transact(ctx, usdc, erc20ABI, "approve", exchange, max); err != nil {
			return errors.Wrap(err, "approve usdc")
		}
		c.log.Info("granted USDC allowance to exchange")
	}

	approved, err := c.erc1155IsApprovedForAll(ctx, ctf, exchange)
	if err != nil {
		return err
	}
	if !approved {
		if _, err := c.transact(ctx, ctf, ctfABI, "setApprovalForAll", exchange, true); err != nil {
			return errors.Wrap(err, "approve ctf")
		}
		c.log.Info("granted CTF operator approval to exchange")
	}
	return nil
}

func (c *Client) erc20Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", c.funder, spender)
	if err != nil {
		return nil, err
	}
	res, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "erc20 allowance")
	}
	out, err := erc20ABI.Unpack("allowance", res)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *Client) erc1155IsApprovedForAll(ctx context.Context, token, operator common.Address) (bool, error) {
	data, err := ctfABI.Pack("isApprovedForAll", c.funder, operator)
	if err != nil {
		return false, err
	}
	res, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, errors.Wrap(err, "erc1155 isApprovedForAll")
	}
	out, err := ctfABI.Unpack("isApprovedForAll", res)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *Client) transact(ctx context.Context, to common.Address, a abi.ABI, method string, args ...any) (common.Hash, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	auth.Context = ctx
	auth.GasLimit = 300_000
	auth.GasPrice, _ = c.ec.SuggestGasPrice(ctx)

	bound := bind.NewBoundContract(to, a, c.ec, c.ec, c.ec)
	tx, err := bound.Transact(auth, method, args...)
	if err != nil {
		return common.Hash{}, err
	}

	// Mining failures are reported by the next settlement pass; the hash is
	// still useful for the operator.
	if _, err := bind.WaitMined(context.WithoutCancel(ctx), c.ec, tx); err != nil {
		c.log.Warnf("tx %s not confirmed yet: %v", tx.Hash().Hex(), err)
	}
	return tx.Hash(), nil
}

func conditionIDBytes(hex0x string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.TrimSpace(hex0x), "0x")
	if len(s) != 64 {
		return out, errors.Errorf("invalid condition id %q", hex0x)
	}
	b := common.FromHex("0x" + s)
	if len(b) != 32 {
		return out, errors.Errorf("invalid condition id bytes %q", hex0x)
	}
	copy(out[:], b)
	return out, nil
}

func mustABI(raw string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return a
}
