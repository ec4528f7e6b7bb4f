package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/metrics"
)

// Fetcher downloads the bytes of one media message through the owning
// platform client.
type Fetcher func(ctx context.Context) ([]byte, error)

// Mirror copies stored objects to secondary storage.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) error
}

// Options configures a Pipeline.
type Options struct {
	Workers      int
	FetchTimeout time.Duration
	Mirror       Mirror
	// Notify is called after a background fetch materializes a file.
	Notify func(domain.MediaDownloaded)
}

// Pipeline materializes media files on first reference. Fetches run in the
// background, at most Workers at a time and once per target path.
type Pipeline struct {
	store  *Store
	index  *Index
	opts   Options
	log    *logging.Logger
	sem    *semaphore.Weighted
	group  singleflight.Group
	hashes keyedMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipeline creates a pipeline over store and index.
func NewPipeline(store *Store, index *Index, opts Options, log *logging.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:  store,
		index:  index,
		opts:   opts,
		log:    log.Sub("media"),
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store returns the underlying file store.
func (p *Pipeline) Store() *Store { return p.store }

// SetNotify replaces the completion callback. Call before listeners start.
func (p *Pipeline) SetNotify(fn func(domain.MediaDownloaded)) { p.opts.Notify = fn }

// Ensure schedules a background fetch for ref unless its file already
// exists. It never blocks on the network and reports whether work was
// scheduled.
func (p *Pipeline) Ensure(ref classify.MediaRef, fetch Fetcher) bool {
	rel := ref.RelPath()
	if p.store.Exists(rel) {
		metrics.Default().MediaFetches.WithLabelValues("cached").Inc()
		return false
	}
	if p.ctx.Err() != nil {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _, _ = p.group.Do(rel, func() (any, error) {
			p.materialize(ref, fetch)
			return nil, nil
		})
	}()
	return true
}

func (p *Pipeline) materialize(ref classify.MediaRef, fetch Fetcher) {
	rel := ref.RelPath()
	if p.store.Exists(rel) {
		return
	}
	log := p.log.With("messageId", ref.MessageID)

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	m := metrics.Default()
	m.MediaInflight.Inc()
	defer m.MediaInflight.Dec()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.FetchTimeout)
	defer cancel()

	var (
		asset domain.MediaAsset
		err   error
	)
	if existing, ok := p.lookupLive(ctx, ref.AccountID, ref.Type, ref.KnownHash); ok {
		asset, err = p.linkDuplicate(ref, existing, domain.SourceInbound)
	} else {
		var data []byte
		data, err = fetch(ctx)
		if err == nil && len(data) == 0 {
			err = errors.New("empty media payload")
		}
		if err == nil {
			asset, err = p.persist(ctx, ref, data, domain.SourceInbound)
		}
	}
	if err != nil {
		m.MediaFetches.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("path", rel).Msg("media fetch failed")
		return
	}

	if asset.IsDuplicate {
		m.MediaFetches.WithLabelValues("duplicate").Inc()
	} else {
		m.MediaFetches.WithLabelValues("stored").Inc()
	}
	log.Debug().Str("path", rel).Bool("duplicate", asset.IsDuplicate).Msg("media stored")

	if p.opts.Notify != nil {
		p.opts.Notify(domain.MediaDownloaded{
			FilePath:  asset.URL,
			MessageID: ref.MessageID,
			MediaType: ref.Type,
			AccountID: ref.AccountID,
		})
	}
}

// SaveOutbound stores media the account just sent, synchronously.
func (p *Pipeline) SaveOutbound(ctx context.Context, ref classify.MediaRef, data []byte) (domain.MediaAsset, error) {
	if len(data) == 0 {
		return domain.MediaAsset{}, errors.New("empty media payload")
	}
	return p.persist(ctx, ref, data, domain.SourceOutbound)
}

// persist hashes data and either links it to an existing asset with the same
// hash or writes it as a new primary asset.
func (p *Pipeline) persist(ctx context.Context, ref classify.MediaRef, data []byte, source string) (domain.MediaAsset, error) {
	hash := HashBytes(data)
	unlock := p.hashes.lock(ref.AccountID + "|" + string(ref.Type) + "|" + hash)
	defer unlock()
	if existing, ok := p.lookupLive(ctx, ref.AccountID, ref.Type, hash); ok {
		if abs, err := p.store.Abs(ref.RelPath()); err == nil && abs == existing.StoragePath {
			return existing, nil
		}
		return p.linkDuplicate(ref, existing, source)
	}

	rel := ref.RelPath()
	abs, err := p.store.Write(rel, data)
	if err != nil {
		return domain.MediaAsset{}, fmt.Errorf("writing %s: %w", rel, err)
	}
	metrics.Default().MediaBytes.Add(float64(len(data)))

	asset := p.assetFor(ref, abs, hash, source, false)
	if err := p.store.WriteSidecar(rel, sidecarFor(asset)); err != nil {
		return asset, fmt.Errorf("writing sidecar: %w", err)
	}
	if err := p.index.Put(ctx, asset); err != nil {
		p.log.Warn().Err(err).Str("hash", hash).Msg("index write failed")
	}
	if p.opts.Mirror != nil {
		if err := p.opts.Mirror.Put(ctx, rel, data, ref.MimeType); err != nil {
			p.log.Warn().Err(err).Str("path", rel).Msg("mirror upload failed")
		}
	}
	return asset, nil
}

func (p *Pipeline) linkDuplicate(ref classify.MediaRef, existing domain.MediaAsset, source string) (domain.MediaAsset, error) {
	rel := ref.RelPath()
	abs, err := p.store.Link(existing.StoragePath, rel)
	if err != nil {
		return domain.MediaAsset{}, fmt.Errorf("linking %s: %w", rel, err)
	}
	asset := p.assetFor(ref, abs, existing.ContentHash, source, true)
	if asset.OriginalFileName == "" {
		asset.OriginalFileName = existing.OriginalFileName
	}
	if err := p.store.WriteSidecar(rel, sidecarFor(asset)); err != nil {
		return asset, fmt.Errorf("writing sidecar: %w", err)
	}
	return asset, nil
}

// lookupLive returns an indexed asset whose file still exists.
func (p *Pipeline) lookupLive(ctx context.Context, accountID string, t domain.MessageType, hash string) (domain.MediaAsset, bool) {
	if hash == "" {
		return domain.MediaAsset{}, false
	}
	a, ok := p.index.Lookup(ctx, accountID, t, hash)
	if !ok {
		return a, false
	}
	if !fileExists(a.StoragePath) {
		p.index.Forget(ctx, a)
		return domain.MediaAsset{}, false
	}
	return a, true
}

func (p *Pipeline) assetFor(ref classify.MediaRef, abs, hash, source string, dup bool) domain.MediaAsset {
	return domain.MediaAsset{
		ContentHash:      hash,
		StoragePath:      abs,
		URL:              ref.URL(),
		OriginalFileName: ref.FileName,
		MimeType:         ref.MimeType,
		SourceType:       source,
		AccountID:        ref.AccountID,
		Type:             ref.Type,
		MessageID:        ref.MessageID,
		IsDuplicate:      dup,
		StoredAt:         time.Now().UTC(),
	}
}

func sidecarFor(a domain.MediaAsset) Sidecar {
	return Sidecar{
		OriginalFileName: a.OriginalFileName,
		ContentHash:      a.ContentHash,
		MimeType:         a.MimeType,
		StoredAt:         a.StoredAt,
		IsDuplicate:      a.IsDuplicate,
		SourceType:       a.SourceType,
		MessageID:        a.MessageID,
	}
}

// keyedMutex serializes callers that share a key. Entries are dropped once
// no caller holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Wait blocks until all scheduled fetches have finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close stops accepting work, aborts in-flight fetches and waits for them.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
