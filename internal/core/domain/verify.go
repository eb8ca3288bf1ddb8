package domain

type VerificationStatus string

const (
	VerificationNotFound VerificationStatus = "not_found"
	VerificationMismatch VerificationStatus = "mismatch"
	VerificationMatch    VerificationStatus = "match"
)

type VerificationResult struct {
	Table        string
	TxID         string
	Status       VerificationStatus
	StoredHash   string
	ComputedHash string
	Record       *Record
	History      []AuditEntry
	LatestAudit  *AuditEntry
	// AuditMatches is false when the latest audit entry disagrees with the
	// stored hash, which indicates the row changed outside the pipeline.
	AuditMatches bool
}

func (r VerificationResult) Verified() bool {
	return r.Status == VerificationMatch
}
