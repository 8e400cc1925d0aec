// Package store is the durability boundary for document content. The hub
// writes through it and the REST read path loads from it; everything else
// about documents (creation, folders, trash) belongs to the external
// document service.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("document not found")

// Document is the persisted shape of a document as this core sees it.
type Document struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Complete  bool   `json:"complete"`
	AudioFile string `json:"audio_file,omitempty"`
	Trashed   bool   `json:"trashed,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// Store persists and loads document content. Save fully replaces the stored
// document (last write wins).
type Store interface {
	Load(ctx context.Context, docID string) (Document, error)
	Save(ctx context.Context, doc Document) error
}
