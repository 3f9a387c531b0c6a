package crypto_test

import (
	"bytes"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/crypto"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestGenerateSecpKey(t *testing.T) {
	tf.UnitTest(t)

	token := bytes.Repeat([]byte{42}, 512)
	ki, err := crypto.NewSecpKeyFromSeed(bytes.NewReader(token))
	require.NoError(t, err)
	sk := ki.Key()
	assert.Equal(t, len(sk), 32)

	msg := make([]byte, 32)
	for i := 0; i < len(msg); i++ {
		msg[i] = byte(i)
	}

	signature, err := crypto.Sign(msg, sk, crypto.SigTypeSecp256k1)
	require.NoError(t, err)
	assert.Equal(t, len(signature.Data), 65)
	pk, err := crypto.ToPublic(crypto.SigTypeSecp256k1, sk)
	require.NoError(t, err)
	addr, err := address.NewSecp256k1Address(pk)
	require.NoError(t, err)

	kiAddr, err := ki.Address()
	require.NoError(t, err)
	assert.Equal(t, addr, kiAddr)

	// valid signature
	assert.NoError(t, crypto.Verify(&signature, addr, msg))

	// invalid signature - different message (too short)
	assert.Error(t, crypto.Verify(&signature, addr, msg[3:]))

	// invalid signature - different message
	msg2 := make([]byte, 32)
	copy(msg2, msg)
	msg2[0] = 42
	assert.Error(t, crypto.Verify(&signature, addr, msg2))

	// invalid signature - different address
	other, err := crypto.NewSecpKeyFromSeed(bytes.NewReader(bytes.Repeat([]byte{7}, 512)))
	require.NoError(t, err)
	otherAddr, err := other.Address()
	require.NoError(t, err)
	assert.Error(t, crypto.Verify(&signature, otherAddr, msg))

	// id addresses cannot verify anything
	idAddr, err := address.NewIDAddress(100)
	require.NoError(t, err)
	assert.Error(t, crypto.Verify(&signature, idAddr, msg))
}
