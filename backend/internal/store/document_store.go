package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ottowrite/backend/internal/collab"
)

type Document struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   string `gorm:"size:64;index"`
	Title     string `gorm:"size:255;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DocumentSnapshot struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:36;uniqueIndex:idx_doc_rev,priority:1"`
	Revision   uint64 `gorm:"uniqueIndex:idx_doc_rev,priority:2"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).Select("id").Where("title = ?", title).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: title %q", collab.ErrDocumentNotFound, title)
	}
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID string, title string) (string, error) {
	doc := Document{ID: uuid.NewString(), OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		if isDuplicateEntry(err) {
			return "", fmt.Errorf("document %q already exists: %w", title, err)
		}
		return "", err
	}
	return doc.ID, nil
}
