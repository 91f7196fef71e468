package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL store over one bun DB.
type RepositoryFactory struct {
	db  *bun.DB
	now func() time.Time

	deliveryStore    *DeliveryStore
	deadLetterStore  *DeadLetterStore
	idempotencyStore *IdempotencyStore
	windowStore      *RateLimitWindowStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// WithClock sets the clock handed to stores built afterwards.
func (f *RepositoryFactory) WithClock(now func() time.Time) *RepositoryFactory {
	if f != nil {
		f.now = now
		if f.deliveryStore != nil {
			f.deliveryStore.WithClock(now)
		}
		if f.deadLetterStore != nil {
			f.deadLetterStore.WithClock(now)
		}
	}
	return f
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as
// the go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.deliveryStore != nil && f.deadLetterStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) DeliveryStore() *DeliveryStore {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func (f *RepositoryFactory) DeadLetterStore() *DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) IdempotencyStore() *IdempotencyStore {
	if f == nil {
		return nil
	}
	return f.idempotencyStore
}

func (f *RepositoryFactory) RateLimitWindowStore() *RateLimitWindowStore {
	if f == nil {
		return nil
	}
	return f.windowStore
}

func (f *RepositoryFactory) initStores() error {
	deliveryStore, err := NewDeliveryStore(f.db)
	if err != nil {
		return err
	}
	deadLetterStore, err := NewDeadLetterStore(f.db)
	if err != nil {
		return err
	}
	idempotencyStore, err := NewIdempotencyStore(f.db)
	if err != nil {
		return err
	}
	windowStore, err := NewRateLimitWindowStore(f.db)
	if err != nil {
		return err
	}
	if f.now != nil {
		deliveryStore.WithClock(f.now)
		deadLetterStore.WithClock(f.now)
	}

	f.deliveryStore = deliveryStore
	f.deadLetterStore = deadLetterStore
	f.idempotencyStore = idempotencyStore
	f.windowStore = windowStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
