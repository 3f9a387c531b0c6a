package crypto

import (
	"fmt"
	"io"

	"github.com/filecoin-project/go-address"
	gocrypto "github.com/filecoin-project/go-crypto"
)

//
// Abstract SECP crypto operations.
//

// KeyInfo is a private key with its signature type.
type KeyInfo struct {
	PrivateKey []byte
	SigType    SigType
}

// NewSecpKeyFromSeed generates a new key from the given reader.
func NewSecpKeyFromSeed(seed io.Reader) (KeyInfo, error) {
	k, err := gocrypto.GenerateKeyFromSeed(seed)
	if err != nil {
		return KeyInfo{}, err
	}
	return KeyInfo{PrivateKey: k, SigType: SigTypeSecp256k1}, nil
}

// Key returns the private key bytes.
func (ki *KeyInfo) Key() []byte {
	return ki.PrivateKey
}

// PublicKey derives the public key.
func (ki *KeyInfo) PublicKey() ([]byte, error) {
	return ToPublic(ki.SigType, ki.PrivateKey)
}

// Address returns the key address for the public key.
func (ki *KeyInfo) Address() (address.Address, error) {
	pk, err := ki.PublicKey()
	if err != nil {
		return address.Undef, err
	}
	return address.NewSecp256k1Address(pk)
}

// ToPublic derives the public key of sk.
func ToPublic(sigType SigType, sk []byte) ([]byte, error) {
	if sigType != SigTypeSecp256k1 {
		return nil, fmt.Errorf("unsupported signature type %d", sigType)
	}
	return gocrypto.PublicKey(sk), nil
}

// SignSecp signs a 32 byte digest.
func SignSecp(sk, digest []byte) ([]byte, error) {
	return gocrypto.Sign(sk, digest)
}

// EcRecover recovers the public key that signed digest.
func EcRecover(digest, signature []byte) ([]byte, error) {
	return gocrypto.EcRecover(digest, signature)
}
