package media

import (
	"context"
	"sync"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

// Repo persists index rows. *store.DB implements it.
type Repo interface {
	PutAsset(ctx context.Context, a domain.MediaAsset) error
	GetAsset(ctx context.Context, accountID string, t domain.MessageType, hash string) (domain.MediaAsset, bool, error)
	ListAssets(ctx context.Context) ([]domain.MediaAsset, error)
	DeleteAsset(ctx context.Context, accountID string, t domain.MessageType, hash string) error
}

type assetKey struct {
	account string
	typ     domain.MessageType
	hash    string
}

// Index maps (account, type, content hash) to the primary stored asset. The
// in-memory layer is warmed from and written through to the repo.
type Index struct {
	mu    sync.RWMutex
	items map[assetKey]domain.MediaAsset
	repo  Repo
	log   *logging.Logger
}

// NewIndex creates an index. repo may be nil for a memory-only index.
func NewIndex(repo Repo, log *logging.Logger) *Index {
	return &Index{
		items: make(map[assetKey]domain.MediaAsset),
		repo:  repo,
		log:   log.Sub("media-index"),
	}
}

// Warm loads all persisted rows into memory.
func (i *Index) Warm(ctx context.Context) error {
	if i.repo == nil {
		return nil
	}
	assets, err := i.repo.ListAssets(ctx)
	if err != nil {
		return err
	}
	i.mu.Lock()
	for _, a := range assets {
		i.items[assetKey{a.AccountID, a.Type, a.ContentHash}] = a
	}
	i.mu.Unlock()
	i.log.Debug().Int("assets", len(assets)).Msg("index warmed")
	return nil
}

// Lookup finds the primary asset for a hash.
func (i *Index) Lookup(ctx context.Context, accountID string, t domain.MessageType, hash string) (domain.MediaAsset, bool) {
	k := assetKey{accountID, t, hash}
	i.mu.RLock()
	a, ok := i.items[k]
	i.mu.RUnlock()
	if ok || i.repo == nil {
		return a, ok
	}

	a, ok, err := i.repo.GetAsset(ctx, accountID, t, hash)
	if err != nil {
		i.log.Warn().Err(err).Str("hash", hash).Msg("index lookup failed")
		return a, false
	}
	if ok {
		i.mu.Lock()
		i.items[k] = a
		i.mu.Unlock()
	}
	return a, ok
}

// Put records a as primary unless one is already indexed.
func (i *Index) Put(ctx context.Context, a domain.MediaAsset) error {
	k := assetKey{a.AccountID, a.Type, a.ContentHash}
	i.mu.Lock()
	if _, ok := i.items[k]; !ok {
		i.items[k] = a
	}
	i.mu.Unlock()
	if i.repo == nil {
		return nil
	}
	return i.repo.PutAsset(ctx, a)
}

// Forget drops an entry whose file no longer exists.
func (i *Index) Forget(ctx context.Context, a domain.MediaAsset) {
	i.mu.Lock()
	delete(i.items, assetKey{a.AccountID, a.Type, a.ContentHash})
	i.mu.Unlock()
	if i.repo != nil {
		if err := i.repo.DeleteAsset(ctx, a.AccountID, a.Type, a.ContentHash); err != nil {
			i.log.Warn().Err(err).Msg("failed to delete stale index row")
		}
	}
}

// DropAccount removes an account's entries from memory.
func (i *Index) DropAccount(accountID string) {
	i.mu.Lock()
	for k := range i.items {
		if k.account == accountID {
			delete(i.items, k)
		}
	}
	i.mu.Unlock()
}

// Len returns the number of in-memory entries.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.items)
}
