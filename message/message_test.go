package message

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestNewPaymentDigestIsDeterministic(t *testing.T) {
	paymentID := common.HexToHash("0x01")
	shopID := common.HexToHash("0x02")
	account := common.HexToAddress("0x03")

	a := NewPayment(paymentID, "purchase-1", big.NewInt(100), "krw", shopID, account, big.NewInt(5), big.NewInt(2151))
	b := NewPayment(paymentID, "purchase-1", big.NewInt(100), "krw", shopID, account, big.NewInt(5), big.NewInt(2151))
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	// Every field participates in the digest.
	variants := [][]byte{
		NewPayment(common.HexToHash("0x09"), "purchase-1", big.NewInt(100), "krw", shopID, account, big.NewInt(5), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-2", big.NewInt(100), "krw", shopID, account, big.NewInt(5), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-1", big.NewInt(101), "krw", shopID, account, big.NewInt(5), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-1", big.NewInt(100), "usd", shopID, account, big.NewInt(5), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-1", big.NewInt(100), "krw", common.HexToHash("0x0a"), account, big.NewInt(5), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-1", big.NewInt(100), "krw", shopID, common.HexToAddress("0x0b"), big.NewInt(5), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-1", big.NewInt(100), "krw", shopID, account, big.NewInt(6), big.NewInt(2151)),
		NewPayment(paymentID, "purchase-1", big.NewInt(100), "krw", shopID, account, big.NewInt(5), big.NewInt(1)),
	}
	for i, v := range variants {
		require.NotEqual(t, a, v, "variant %d must change the digest", i)
	}
}

func TestCancelAndShopDigestsDiffer(t *testing.T) {
	id := common.HexToHash("0x01")
	account := common.HexToAddress("0x03")
	nonce, chainID := big.NewInt(1), big.NewInt(2151)

	cancel := CancelPayment(id, "purchase-1", account, nonce, chainID)
	shop := ShopAccount(id, account, nonce, chainID)
	require.NotEqual(t, cancel, shop)
}

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	digest := NewPayment(common.HexToHash("0x01"), "purchase-1", big.NewInt(100), "krw",
		common.HexToHash("0x02"), want, big.NewInt(5), big.NewInt(2151))
	sig, err := Sign(digest, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	// The recovery id is presented in Ethereum's 27/28 convention.
	require.Contains(t, []byte{27, 28}, sig[64])

	got, err := Recover(digest, sig)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRecoverRejectsTamperedSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest := ShopAccount(common.HexToHash("0x01"), crypto.PubkeyToAddress(key.PublicKey), big.NewInt(1), big.NewInt(2151))

	sig, err := Sign(digest, key)
	require.NoError(t, err)

	_, err = Recover(digest, sig[:64])
	require.Error(t, err)

	sig[5] ^= 0xff
	got, err := Recover(digest, sig)
	if err == nil {
		require.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), got)
	}
}
