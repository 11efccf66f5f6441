package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part of a ledger address.
type AddressPrefix string

// EscrowPrefix prefixes every party address on the deal ledger.
const EscrowPrefix AddressPrefix = "esc"

// AddressLength is the byte length of a ledger address.
const AddressLength = 20

// Address represents a 20-byte party address with its bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
}

// NewAddress wraps raw address bytes under the supplied prefix.
func NewAddress(prefix AddressPrefix, b [AddressLength]byte) Address {
	return Address{prefix: prefix, bytes: b}
}

// MustNewAddress wraps a byte slice, panicking when the length is wrong.
// Intended for fixtures and values already validated elsewhere.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic(fmt.Sprintf("address must be %d bytes long", AddressLength))
	}
	var fixed [AddressLength]byte
	copy(fixed[:], b)
	return Address{prefix: prefix, bytes: fixed}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes[:]...)
}

// Bytes20 returns the address as the fixed array the ledger engines use.
func (a Address) Bytes20() [AddressLength]byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32 address of any prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("address payload must be %d bytes, got %d", AddressLength, len(conv))
	}
	return MustNewAddress(AddressPrefix(prefix), conv), nil
}

// ParseAddress decodes a ledger address, enforcing the esc prefix, and
// returns the raw bytes consumed by the engines.
func ParseAddress(addrStr string) ([AddressLength]byte, error) {
	var zero [AddressLength]byte
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return zero, err
	}
	if addr.Prefix() != EscrowPrefix {
		return zero, fmt.Errorf("unexpected address prefix %q", addr.Prefix())
	}
	return addr.Bytes20(), nil
}

// EncodeAddress renders raw ledger address bytes in bech32.
func EncodeAddress(b [AddressLength]byte) string {
	return NewAddress(EscrowPrefix, b).String()
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey)
	var fixed [AddressLength]byte
	copy(fixed[:], addrBytes.Bytes())
	return NewAddress(EscrowPrefix, fixed)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
