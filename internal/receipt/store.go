// Package receipt keeps the proof-of-purchase blob issued by the store.
package receipt

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no receipt has been stored yet.
var ErrNotFound = errors.New("receipt: not found")

// Store loads and saves the receipt blob.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Mirror saves to both stores and loads from Primary, falling back to Backup
// when the primary copy is missing.
type Mirror struct {
	Primary Store
	Backup  Store
}

func (m Mirror) Load(ctx context.Context) ([]byte, error) {
	data, err := m.Primary.Load(ctx)
	if err == nil && len(data) > 0 {
		return data, nil
	}
	if m.Backup == nil {
		return data, err
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	data, err = m.Backup.Load(ctx)
	if err != nil {
		return nil, err
	}
	// Best effort: keep later loads local.
	_ = m.Primary.Save(ctx, data)
	return data, nil
}

func (m Mirror) Save(ctx context.Context, data []byte) error {
	if err := m.Primary.Save(ctx, data); err != nil {
		return err
	}
	if m.Backup == nil {
		return nil
	}
	return m.Backup.Save(ctx, data)
}
