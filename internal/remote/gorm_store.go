package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRecord is the relational row behind a remote document.
type DocumentRecord struct {
	Collection string         `gorm:"primaryKey;size:64"`
	ID         string         `gorm:"primaryKey;size:128"`
	Data       datatypes.JSON `gorm:"not null"`
	OrderedAt  time.Time      `gorm:"index"`
	UpdatedAt  time.Time
}

// TableName specifies the table name for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

func (r *DocumentRecord) toDocument() (*Document, error) {
	data := map[string]any{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", r.Collection, r.ID, err)
		}
	}
	return &Document{ID: r.ID, Data: data}, nil
}

// GormStore is a DocumentStore backed by a documents table with a JSON column.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a document store on an already migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var rec DocumentRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.toDocument()
}

func (s *GormStore) Set(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	if !merge {
		return s.save(ctx, collection, id, fields)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := &GormStore{db: tx}
		existing, err := inner.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		if existing != nil {
			fields = merged(existing.Data, fields)
		}
		return inner.save(ctx, collection, id, fields)
	})
}

func (s *GormStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := &GormStore{db: tx}
		existing, err := inner.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrDocumentNotFound
		}
		return inner.save(ctx, collection, id, merged(existing.Data, fields))
	})
}

func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	return s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&DocumentRecord{}).Error
}

func (s *GormStore) Query(ctx context.Context, q Query) ([]Document, error) {
	db := s.db.WithContext(ctx).Where("collection = ?", q.Collection)
	for _, f := range q.Where {
		db = db.Where(datatypes.JSONQuery("data").Equals(f.Value, f.Field))
	}
	if q.After != nil {
		at := q.After.CreatedAt.UTC()
		db = db.Where("ordered_at < ? OR (ordered_at = ? AND id < ?)", at, at, q.After.ID)
	}
	db = db.Order("ordered_at DESC").Order("id DESC")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var recs []DocumentRecord
	if err := db.Find(&recs).Error; err != nil {
		return nil, err
	}
	return toDocuments(recs)
}

func (s *GormStore) BatchGet(ctx context.Context, collection, field string, values []string) ([]Document, error) {
	if err := validateBatch(values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return []Document{}, nil
	}

	db := s.db.WithContext(ctx).Where("collection = ?", collection)
	if field == DocumentID {
		db = db.Where("id IN ?", values)
	} else {
		match := s.db.Session(&gorm.Session{NewDB: true})
		for i, v := range values {
			if i == 0 {
				match = match.Where(datatypes.JSONQuery("data").Equals(v, field))
			} else {
				match = match.Or(datatypes.JSONQuery("data").Equals(v, field))
			}
		}
		db = db.Where(match)
	}

	var recs []DocumentRecord
	if err := db.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return toDocuments(recs)
}

func (s *GormStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &GormStore{db: tx})
	})
}

func (s *GormStore) save(ctx context.Context, collection, id string, fields map[string]any) error {
	data, err := normalize(fields)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	rec := DocumentRecord{
		Collection: collection,
		ID:         id,
		Data:       datatypes.JSON(raw),
		OrderedAt:  orderedAt(data),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "ordered_at", "updated_at"}),
	}).Create(&rec).Error
}

func toDocuments(recs []DocumentRecord) ([]Document, error) {
	docs := make([]Document, 0, len(recs))
	for i := range recs {
		doc, err := recs[i].toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}
