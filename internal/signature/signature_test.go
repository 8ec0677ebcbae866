package signature

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("Sign in to wallet-sync")

	sig, err := Sign(key, msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := Recover(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, signer, got)

	ok, err := Verify(signer, msg, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(common.HexToAddress("0x01"), msg, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(signer, []byte("tampered"), hexutil.Encode(sig))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := Recover([]byte("x"), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	bad := make([]byte, 65)
	bad[64] = 40
	_, err = Recover([]byte("x"), bad)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = Verify(common.Address{}, []byte("x"), "nothex")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
