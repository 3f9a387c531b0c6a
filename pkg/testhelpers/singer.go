package testhelpers

import (
	"bytes"
	"context"
	"errors"

	"github.com/filecoin-project/go-address"

	"github.com/filecoin-project/venus-core/pkg/crypto"
	"github.com/filecoin-project/venus-core/pkg/types"
)

// MockSigner signs with a fixed set of secp256k1 keys.
type MockSigner struct {
	AddrKeyInfo map[address.Address]crypto.KeyInfo
	Addresses   []address.Address
	PubKeys     [][]byte
}

// NewMockSigner returns a new mock signer, capable of signing data with
// keys (addresses derived from) in keyinfo
func NewMockSigner(kis []crypto.KeyInfo) MockSigner {
	var ms MockSigner
	ms.AddrKeyInfo = make(map[address.Address]crypto.KeyInfo)
	for _, k := range kis {
		pub, err := k.PublicKey()
		if err != nil {
			panic(err)
		}
		newAddr, err := address.NewSecp256k1Address(pub)
		if err != nil {
			panic(err)
		}
		ms.Addresses = append(ms.Addresses, newAddr)
		ms.AddrKeyInfo[newAddr] = k
		ms.PubKeys = append(ms.PubKeys, pub)
	}
	return ms
}

// NewMockSignersAndKeyInfo is a convenience function to generate a mock
// signers with some keys.
func NewMockSignersAndKeyInfo(numSigners int) (MockSigner, []crypto.KeyInfo) {
	ki := MustGenerateKeyInfo(numSigners, 42)
	signer := NewMockSigner(ki)
	return signer, ki
}

// MustGenerateKeyInfo generates `n` distinct keyinfos using seed `seed`.
// The result is deterministic (for stable tests), don't use this for real keys!
func MustGenerateKeyInfo(n int, seed byte) []crypto.KeyInfo {
	token := bytes.Repeat([]byte{seed}, 512)
	var keyinfos []crypto.KeyInfo
	for i := 0; i < n; i++ {
		token[0] = byte(i)
		ki, err := crypto.NewSecpKeyFromSeed(bytes.NewReader(token))
		if err != nil {
			panic(err)
		}
		keyinfos = append(keyinfos, ki)
	}
	return keyinfos
}

// SignBytes cryptographically signs `data` using the  `addr`.
func (ms MockSigner) SignBytes(_ context.Context, data []byte, addr address.Address) (*crypto.Signature, error) {
	ki, ok := ms.AddrKeyInfo[addr]
	if !ok {
		return nil, errors.New("unknown address")
	}
	sig, err := crypto.Sign(data, ki.Key(), ki.SigType)
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// HasAddress returns whether the signer can sign with this address
func (ms MockSigner) HasAddress(_ context.Context, addr address.Address) (bool, error) {
	_, ok := ms.AddrKeyInfo[addr]
	return ok, nil
}

// KeyAddrResolver resolves key addresses to themselves and fails on
// anything else. It stands in for a state lookup when every miner and
// sender is named by its key.
type KeyAddrResolver struct{}

// ResolveToKeyAddress returns addr when it is a key address.
func (KeyAddrResolver) ResolveToKeyAddress(_ context.Context, addr address.Address, _ *types.TipSet) (address.Address, error) {
	if addr.Protocol() == address.SECP256K1 {
		return addr, nil
	}
	return address.Undef, errors.New("not a key address")
}
