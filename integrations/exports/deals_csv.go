package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"time"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

// DealsCSV builds a CSV export for the supplied deals and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func DealsCSV(deals []*escrow.Deal) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"deal_id", "buyer", "seller", "arbitrator", "amount", "arbitrator_commission", "added_protocol_fee", "status", "award", "seller_sequence", "terms_hash", "communication_ref", "created_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, deal := range deals {
		if deal == nil {
			continue
		}
		record := []string{
			fmt.Sprintf("%d", deal.ID),
			crypto.EncodeAddress(deal.Buyer),
			crypto.EncodeAddress(deal.Seller),
			crypto.EncodeAddress(deal.Arbitrator),
			amountString(deal.Amount),
			amountString(deal.ArbitratorCommission),
			amountString(deal.AddedProtocolFee),
			deal.Decision.Status.String(),
			awardString(deal),
			fmt.Sprintf("%d", deal.SellerSequence),
			hashString(deal.TermsHash),
			deal.CommunicationRef,
			time.Unix(deal.CreatedAt, 0).UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
