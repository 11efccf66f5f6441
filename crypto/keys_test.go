package crypto

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(EscrowPrefix)+"1") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}

	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bytes20() != addr.Bytes20() {
		t.Fatalf("round trip mismatch: %x vs %x", decoded.Bytes20(), addr.Bytes20())
	}
	if decoded.Prefix() != EscrowPrefix {
		t.Fatalf("unexpected prefix: %s", decoded.Prefix())
	}
}

func TestParseAddressEnforcesPrefix(t *testing.T) {
	var raw [AddressLength]byte
	raw[0] = 0xAB
	encoded := EncodeAddress(raw)

	parsed, err := ParseAddress(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != raw {
		t.Fatalf("unexpected payload: %x", parsed)
	}

	foreign := NewAddress("other", raw).String()
	if _, err := ParseAddress(foreign); err == nil {
		t.Fatalf("foreign prefix should be rejected")
	}

	if _, err := ParseAddress("not-bech32"); err == nil {
		t.Fatalf("garbage should be rejected")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PubKey().Address().Bytes20() != key.PubKey().Address().Bytes20() {
		t.Fatalf("restored key derives a different address")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "party.json")

	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PubKey().Address().Bytes20() != key.PubKey().Address().Bytes20() {
		t.Fatalf("keystore round trip changed the key")
	}

	if _, err := LoadFromKeystore(path, "wrong passphrase"); err == nil {
		t.Fatalf("wrong passphrase should fail")
	}
}
