package clob

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.HexToECDSA("ad0f3b6e5e1a4a3c9f2b1d8e7c6a5b4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b")
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	return NewSigner(key, 137)
}

func TestSignHash_RecoveryConvention(t *testing.T) {
	s := testSigner(t)

	sig, err := s.SignHash(crypto.Keccak256Hash([]byte("digest")))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+65*2 {
		t.Fatalf("signature shape wrong: %q", sig)
	}

	raw := common.FromHex(sig)
	if v := raw[64]; v != 27 && v != 28 {
		t.Fatalf("recovery byte = %d, want 27 or 28", v)
	}

	// The signature must recover to the signer's address.
	raw[64] -= 27
	pub, err := crypto.SigToPub(crypto.Keccak256Hash([]byte("digest")).Bytes(), raw)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != s.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), s.Address().Hex())
	}
}

func TestSignClobAuth_Deterministic(t *testing.T) {
	s := testSigner(t)

	a, err := s.SignClobAuth(1700000000, 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, err := s.SignClobAuth(1700000000, 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a != b {
		t.Fatal("same inputs produced different signatures")
	}

	c, err := s.SignClobAuth(1700000001, 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a == c {
		t.Fatal("different timestamps produced identical signatures")
	}
}

func TestSignOrder(t *testing.T) {
	s := testSigner(t)
	exchange := common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")

	order := &signableOrder{
		Salt:        12345,
		Maker:       s.Address(),
		Signer:      s.Address(),
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "4900000",
		TakerAmount: "10000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        0,
	}

	sig, err := s.SignOrder(exchange, order)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(sig) != 2+65*2 {
		t.Fatalf("signature length = %d", len(sig))
	}

	// Binding to a different exchange contract must change the digest.
	other, err := s.SignOrder(common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a"), order)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sig == other {
		t.Fatal("signature does not bind to the verifying contract")
	}
}

func TestBuildHMACSignature(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret-hmac-key-material!!"))

	sig, err := buildHMACSignature(secret, 1700000000, "POST", "/order", `{"order":{}}`)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sig == "" || strings.ContainsAny(sig, "+/") {
		t.Fatalf("signature not base64url: %q", sig)
	}

	again, err := buildHMACSignature(secret, 1700000000, "POST", "/order", `{"order":{}}`)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sig != again {
		t.Fatal("HMAC not deterministic")
	}

	diff, err := buildHMACSignature(secret, 1700000000, "POST", "/order", `{"order":{"x":1}}`)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sig == diff {
		t.Fatal("body change did not change the signature")
	}

	if _, err := buildHMACSignature("%%%not-base64%%%", 1, "GET", "/", ""); err == nil {
		t.Fatal("expected error for undecodable secret")
	}
}
