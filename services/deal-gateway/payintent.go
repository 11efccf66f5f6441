package main

import (
	"fmt"
	"net/url"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/crypto"
)

const custodyVaultSeed = "module/custody/vault"

// PayIntent captures the instructions a client wallet needs to fund a
// registered deal: where to send, how much, and the memo that ties the
// transfer back to the deal.
type PayIntent struct {
	Vault  string `json:"vault"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
	QR     string `json:"qr"`
}

// PayIntentBuilder builds funding instructions for registered deals.
type PayIntentBuilder struct {
	vault string
}

func NewPayIntentBuilder() *PayIntentBuilder {
	return &PayIntentBuilder{vault: computeVaultAddress()}
}

// Build constructs a pay intent for the supplied deal. The amount is the
// total deposit the node reported as required.
func (b *PayIntentBuilder) Build(dealID uint64, amount string) PayIntent {
	memo := fmt.Sprintf("DEAL:%d", dealID)
	return PayIntent{
		Vault:  b.vault,
		Amount: amount,
		Memo:   memo,
		QR:     buildQRString(b.vault, amount, memo),
	}
}

// computeVaultAddress derives the module vault deterministically so every
// gateway instance publishes the same funding address.
func computeVaultAddress() string {
	hash := ethcrypto.Keccak256([]byte(custodyVaultSeed))
	var addr [crypto.AddressLength]byte
	copy(addr[:], hash[len(hash)-crypto.AddressLength:])
	return crypto.EncodeAddress(addr)
}

func buildQRString(vault, amount, memo string) string {
	values := url.Values{}
	if amount != "" {
		values.Set("amount", amount)
	}
	if memo != "" {
		values.Set("memo", memo)
	}
	encoded := values.Encode()
	if encoded == "" {
		return fmt.Sprintf("esc:%s", vault)
	}
	return fmt.Sprintf("esc:%s?%s", vault, encoded)
}
