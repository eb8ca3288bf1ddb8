package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

// Verifier recomputes row hashes and compares them with the stored hash and
// the audit trail.
type Verifier struct {
	store   ports.RecordStore
	audit   ports.AuditRepository
	schemas *SchemaService
}

func NewVerifier(store ports.RecordStore, audit ports.AuditRepository, schemas *SchemaService) *Verifier {
	return &Verifier{store: store, audit: audit, schemas: schemas}
}

func (v *Verifier) Verify(ctx context.Context, table, txID string) (domain.VerificationResult, error) {
	schema, err := v.schemas.Table(table)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	result := domain.VerificationResult{Table: table, TxID: txID}

	history, err := v.audit.History(ctx, table, txID)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("load audit history: %w", err)
	}
	result.History = history
	if len(history) > 0 {
		latest := history[len(history)-1]
		result.LatestAudit = &latest
	}

	rec, err := v.store.Get(ctx, schema, txID)
	if errors.Is(err, domain.ErrNotFound) {
		result.Status = domain.VerificationNotFound
		return result, nil
	}
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("load record: %w", err)
	}

	return v.check(rec, result)
}

// VerifyTable checks every row of a table, soft-deleted rows included, and
// returns the rows that do not verify.
func (v *Verifier) VerifyTable(ctx context.Context, table string) ([]domain.VerificationResult, int, error) {
	schema, err := v.schemas.Table(table)
	if err != nil {
		return nil, 0, err
	}
	var (
		failures []domain.VerificationResult
		checked  int
	)
	err = v.store.Scan(ctx, schema, func(rec domain.Record) error {
		checked++
		history, err := v.audit.History(ctx, table, rec.TxID)
		if err != nil {
			return fmt.Errorf("load audit history: %w", err)
		}
		result := domain.VerificationResult{Table: table, TxID: rec.TxID, History: history}
		if len(history) > 0 {
			latest := history[len(history)-1]
			result.LatestAudit = &latest
		}
		result, err = v.check(rec, result)
		if err != nil {
			return err
		}
		if !result.Verified() || !result.AuditMatches {
			failures = append(failures, result)
		}
		return nil
	})
	if err != nil {
		return nil, checked, fmt.Errorf("verify table %s: %w", table, err)
	}
	return failures, checked, nil
}

func (v *Verifier) check(rec domain.Record, result domain.VerificationResult) (domain.VerificationResult, error) {
	computed, err := canonical.HashFields(rec.Fields)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	result.Record = &rec
	result.StoredHash = rec.DataHash
	result.ComputedHash = computed
	if computed == rec.DataHash {
		result.Status = domain.VerificationMatch
	} else {
		result.Status = domain.VerificationMismatch
	}
	result.AuditMatches = result.LatestAudit != nil && result.LatestAudit.Hash() == rec.DataHash
	return result, nil
}
