package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

type AuditService struct {
	repo    ports.AuditRepository
	schemas *SchemaService
}

func NewAuditService(repo ports.AuditRepository, schemas *SchemaService) *AuditService {
	return &AuditService{repo: repo, schemas: schemas}
}

func (s *AuditService) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Table != "" {
		if _, err := s.schemas.Table(filter.Table); err != nil {
			return nil, err
		}
	}
	if filter.Operation != "" && !filter.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidFilter, filter.Operation)
	}
	switch filter.Order {
	case "":
		filter.Order = domain.SortDesc
	case domain.SortAsc, domain.SortDesc:
	default:
		return nil, fmt.Errorf("%w: unknown order %q", domain.ErrInvalidFilter, filter.Order)
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return s.repo.List(ctx, filter)
}

func (s *AuditService) History(ctx context.Context, table, txID string) ([]domain.AuditEntry, error) {
	return s.repo.History(ctx, table, txID)
}
