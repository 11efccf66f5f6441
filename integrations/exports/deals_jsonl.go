package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"time"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

// DealsJSONL builds a JSON Lines export for the supplied deals and returns
// the serialised payload alongside a checksum.
func DealsJSONL(deals []*escrow.Deal) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, deal := range deals {
		if deal == nil {
			continue
		}
		payload := map[string]interface{}{
			"dealId":               deal.ID,
			"buyer":                crypto.EncodeAddress(deal.Buyer),
			"seller":               crypto.EncodeAddress(deal.Seller),
			"arbitrator":           crypto.EncodeAddress(deal.Arbitrator),
			"amount":               amountString(deal.Amount),
			"arbitratorCommission": amountString(deal.ArbitratorCommission),
			"addedProtocolFee":     amountString(deal.AddedProtocolFee),
			"status":               deal.Decision.Status.String(),
			"sellerSequence":       deal.SellerSequence,
			"createdAt":            time.Unix(deal.CreatedAt, 0).UTC().Format(time.RFC3339),
		}
		if award := awardString(deal); award != "" {
			payload["award"] = award
		}
		if hash := hashString(deal.TermsHash); hash != "" {
			payload["termsHash"] = hash
		}
		if deal.CommunicationRef != "" {
			payload["communicationRef"] = deal.CommunicationRef
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func awardString(deal *escrow.Deal) string {
	if deal == nil || deal.Decision.Status != escrow.DealClosedWithArbitrator || deal.Decision.Award == nil {
		return ""
	}
	return deal.Decision.Award.String()
}

func hashString(hash [32]byte) string {
	if hash == ([32]byte{}) {
		return ""
	}
	return "0x" + hex.EncodeToString(hash[:])
}
