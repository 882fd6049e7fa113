package clob

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

const (
	clobAuthDomainName = "ClobAuthDomain"
	clobAuthVersion    = "1"
	clobAuthMessage    = "This message attests that I control the given wallet"

	exchangeDomainName = "Polymarket CTF Exchange"
	exchangeVersion    = "1"
)

// Signer wraps the trading key. All EIP-712 hashes go through SignHash so
// the v-offset convention lives in one place.
type Signer struct {
	key     *ecdsa.PrivateKey
	chainID int64
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		key:     key,
		chainID: chainID,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *Signer) Address() common.Address { return s.address }
func (s *Signer) ChainID() int64          { return s.chainID }

// SignHash signs a 32-byte digest and returns the 65-byte signature as hex.
// The recovery byte uses the 27/28 convention the exchange verifies.
func (s *Signer) SignHash(hash [32]byte) (string, error) {
	sig, err := crypto.Sign(hash[:], s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign hash")
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignClobAuth produces the L1 authentication signature used to create or
// derive API credentials.
func (s *Signer) SignClobAuth(timestamp, nonce int64) (string, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    clobAuthDomainName,
			Version: clobAuthVersion,
			ChainId: ethmath.NewHexOrDecimal256(s.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     ethmath.NewHexOrDecimal256(nonce),
			"message":   clobAuthMessage,
		},
	}

	digest, err := typedDataDigest(&td)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign clob auth")
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// signableOrder is the EIP-712 message signed for every exchange order.
// Amount fields are decimal strings so token ids above int64 survive.
type signableOrder struct {
	Salt          int64
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          int
	SignatureType int
}

// SignOrder hashes the order against the exchange contract domain and signs
// the digest.
func (s *Signer) SignOrder(exchange common.Address, o *signableOrder) (string, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              exchangeDomainName,
			Version:           exchangeVersion,
			ChainId:           ethmath.NewHexOrDecimal256(s.chainID),
			VerifyingContract: exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          ethmath.NewHexOrDecimal256(o.Salt),
			"maker":         o.Maker.Hex(),
			"signer":        o.Signer.Hex(),
			"taker":         o.Taker.Hex(),
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          ethmath.NewHexOrDecimal256(int64(o.Side)),
			"signatureType": ethmath.NewHexOrDecimal256(int64(o.SignatureType)),
		},
	}

	digest, err := typedDataDigest(&td)
	if err != nil {
		return "", err
	}
	return s.SignHash(digest)
}

func typedDataDigest(td *apitypes.TypedData) ([32]byte, error) {
	var out [32]byte
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return out, errors.Wrap(err, "hash eip712 domain")
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return out, errors.Wrap(err, "hash eip712 message")
	}
	digest := crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator[:], msgHash[:])
	copy(out[:], digest.Bytes())
	return out, nil
}

// buildHMACSignature authenticates an L2 request: base64url HMAC-SHA256 of
// timestamp + method + path + body keyed with the base64url API secret.
func buildHMACSignature(secret string, timestamp int64, method, requestPath, body string) (string, error) {
	decoded := strings.ReplaceAll(secret, "-", "+")
	decoded = strings.ReplaceAll(decoded, "_", "/")
	keyData, err := base64.StdEncoding.DecodeString(decoded)
	if err != nil {
		return "", errors.Wrap(err, "decode api secret")
	}

	message := strconv.FormatInt(timestamp, 10) + method + requestPath + body
	mac := hmac.New(sha256.New, keyData)
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sig = strings.ReplaceAll(sig, "+", "-")
	sig = strings.ReplaceAll(sig, "/", "_")
	return sig, nil
}
