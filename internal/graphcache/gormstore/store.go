package gormstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/buildxl/distproxy/internal/graphcache"
)

// fingerprintRow is the gorm model backing one entry in the fingerprint
// chain. Entries are content-addressed by their own fingerprint key, so
// TryLoadContent and TryGet read the same table.
type fingerprintRow struct {
	Fingerprint string `gorm:"primaryKey;column:fingerprint"`
	Kind        int
	Descriptor  []byte
	InputDesc   []byte
	CreatedAt   time.Time
}

func (fingerprintRow) TableName() string { return "fingerprint_entries" }

// Store implements graphcache.FingerprintStore against a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// New wraps an already-migrated *gorm.DB (see Open in db.go) as a
// graphcache.FingerprintStore.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// serializedInputDescriptor is the gob-encodable mirror of
// graphcache.InputDescriptor, since its fields are unexported.
type serializedInputDescriptor struct {
	Paths   []graphcache.PathObservation
	EnvVars []graphcache.EnvVarObservation
	Mounts  []graphcache.MountObservation
}

func encodeInputDesc(d *graphcache.InputDescriptor) ([]byte, error) {
	s := serializedInputDescriptor{Paths: d.Paths(), EnvVars: d.EnvVars(), Mounts: d.Mounts()}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInputDesc(data []byte) (*graphcache.InputDescriptor, error) {
	var s serializedInputDescriptor
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, err
	}
	return graphcache.NewInputDescriptor(s.Paths, s.EnvVars, s.Mounts), nil
}

func toEntry(row *fingerprintRow) (*graphcache.Entry, error) {
	switch graphcache.EntryKind(row.Kind) {
	case graphcache.KindGraphDescriptor:
		return &graphcache.Entry{Kind: graphcache.KindGraphDescriptor, Descriptor: row.Descriptor}, nil
	case graphcache.KindGraphInputDescriptor:
		desc, err := decodeInputDesc(row.InputDesc)
		if err != nil {
			return nil, fmt.Errorf("gormstore: decode input descriptor: %w", err)
		}
		return &graphcache.Entry{Kind: graphcache.KindGraphInputDescriptor, InputDesc: desc}, nil
	default:
		return nil, fmt.Errorf("gormstore: unknown entry kind %d", row.Kind)
	}
}

// TryGet implements graphcache.FingerprintStore.
func (s *Store) TryGet(ctx context.Context, fp graphcache.Fingerprint) (*graphcache.Entry, bool, error) {
	var row fingerprintRow
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fp.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry, err := toEntry(&row)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// TryLoadContent implements graphcache.FingerprintStore. In this store,
// entries are keyed by their own fingerprint, so loading by content hash is
// the same lookup as TryGet.
func (s *Store) TryLoadContent(ctx context.Context, hash graphcache.Fingerprint) (*graphcache.Entry, bool, error) {
	return s.TryGet(ctx, hash)
}

// TryStore implements graphcache.FingerprintStore.
func (s *Store) TryStore(ctx context.Context, fp graphcache.Fingerprint, entry *graphcache.Entry, replaceExisting bool) (*graphcache.StoreResult, error) {
	var result *graphcache.StoreResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing fingerprintRow
		err := tx.Where("fingerprint = ?", fp.String()).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row, buildErr := buildRow(fp, entry)
			if buildErr != nil {
				return buildErr
			}
			if createErr := tx.Create(row).Error; createErr != nil {
				return createErr
			}
			result = &graphcache.StoreResult{Outcome: graphcache.Published}
			return nil
		case err != nil:
			return err
		}

		if !replaceExisting {
			result = &graphcache.StoreResult{Outcome: graphcache.RejectedDueToConflictingEntry, Conflict: fp}
			return nil
		}

		row, buildErr := buildRow(fp, entry)
		if buildErr != nil {
			return buildErr
		}
		if saveErr := tx.Save(row).Error; saveErr != nil {
			return saveErr
		}
		result = &graphcache.StoreResult{Outcome: graphcache.Published}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func buildRow(fp graphcache.Fingerprint, entry *graphcache.Entry) (*fingerprintRow, error) {
	row := &fingerprintRow{
		Fingerprint: fp.String(),
		Kind:        int(entry.Kind),
		CreatedAt:   time.Now(),
	}
	switch entry.Kind {
	case graphcache.KindGraphDescriptor:
		row.Descriptor = entry.Descriptor
	case graphcache.KindGraphInputDescriptor:
		data, err := encodeInputDesc(entry.InputDesc)
		if err != nil {
			return nil, err
		}
		row.InputDesc = data
	default:
		return nil, fmt.Errorf("gormstore: unsupported entry kind %d", entry.Kind)
	}
	return row, nil
}
