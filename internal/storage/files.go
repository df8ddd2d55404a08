package storage

import (
	"fmt"

	"palaver/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata describes a staged upload. Several uploads of the same bytes
// share one Hash and so one blob in the file store.
type FileMetadata struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	Uploader  string `msgpack:"uploader"`
}

func decodeFileMetadata(data []byte) (FileMetadata, error) {
	var meta FileMetadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return FileMetadata{}, fmt.Errorf("failed to unmarshal file metadata: %w", err)
	}
	return meta, nil
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	data, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to marshal file metadata: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(meta.ID), data)
	})
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file metadata %s: %w", id, models.ErrNotFound)
		}
		var err error
		meta, err = decodeFileMetadata(data)
		return err
	})
	return meta, err
}

// DeleteFileMetadata removes one upload record. shared reports whether
// another record still points at the same blob.
func (s *BboltStorage) DeleteFileMetadata(id string) (meta FileMetadata, shared bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file metadata %s: %w", id, models.ErrNotFound)
		}
		if meta, err = decodeFileMetadata(data); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			other, err := decodeFileMetadata(v)
			if err != nil {
				return err
			}
			if other.Hash == meta.Hash {
				shared = true
			}
			return nil
		})
	})
	return meta, shared, err
}
