package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecord separates record hashes from hashes of other documents.
const DomainRecord = "ledgerdb/record/v1"

// HashWithDomain returns hex(SHA256(domain || 0x00 || data)).
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashFields fingerprints the domain fields of a record. System columns must
// not be passed in.
func HashFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	b, err := Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("hash fields: %w", err)
	}
	return HashWithDomain(DomainRecord, b), nil
}
