package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/ledgerdb/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

type tableSchemaModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name       string `gorm:"column:name;not null"`
	Definition string `gorm:"column:definition;not null"`
	CreatedAt  int64  `gorm:"column:created_at;not null"`
}

func (tableSchemaModel) TableName() string {
	return "table_schemas"
}

// SchemaRepository persists registered table schemas in registration order.
type SchemaRepository struct {
	db *gormsqlite.DB
}

func NewSchemaRepository(db *gormsqlite.DB) *SchemaRepository {
	return &SchemaRepository{db: db}
}

func (r *SchemaRepository) Save(ctx context.Context, schemas []domain.TableSchema) error {
	now := toMillis(time.Now())
	return r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		for _, schema := range schemas {
			def, err := json.Marshal(schema)
			if err != nil {
				return fmt.Errorf("marshal schema %s: %w", schema.Name, err)
			}
			model := tableSchemaModel{Name: schema.Name, Definition: string(def), CreatedAt: now}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoNothing: true,
			}).Create(&model).Error
			if err != nil {
				return fmt.Errorf("save schema %s: %w", schema.Name, err)
			}
		}
		return nil
	})
}

func (r *SchemaRepository) List(ctx context.Context) ([]domain.TableSchema, error) {
	var models []tableSchemaModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("id ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	out := make([]domain.TableSchema, 0, len(models))
	for _, m := range models {
		var schema domain.TableSchema
		if err := json.Unmarshal([]byte(m.Definition), &schema); err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", m.Name, err)
		}
		out = append(out, schema)
	}
	return out, nil
}
