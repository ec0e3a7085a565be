package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

type directoryEntry struct {
	counterparties []model.Counterparty
	loadedAt       time.Time
}

// Directory caches the counterparties a user can start a conversation with.
// Each domain's cache is loaded lazily and replaced wholesale on reload.
type Directory struct {
	api     api.MessagingAPI
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *logger.Logger

	mu      sync.RWMutex
	entries map[model.Domain]directoryEntry
	loads   singleflight.Group
}

// NewDirectory creates an empty counterparty directory.
func NewDirectory(client api.MessagingAPI, ttl, timeout time.Duration, log *logger.Logger) *Directory {
	return &Directory{
		api:     client,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
		logger:  log.Component("directory"),
		entries: make(map[model.Domain]directoryEntry),
	}
}

// Load fetches the domain's full directory and replaces the cached copy.
// Concurrent loads of one domain share a single request.
func (d *Directory) Load(ctx context.Context, domain model.Domain) ([]model.Counterparty, error) {
	ch := d.loads.DoChan(string(domain), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		list, err := d.api.ListCounterparties(fetchCtx, domain, "")
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.entries[domain] = directoryEntry{counterparties: list, loadedAt: d.now()}
		d.mu.Unlock()

		d.logger.Debug("directory loaded", zap.String("domain", string(domain)), zap.Int("count", len(list)))
		return list, nil
	})

	select {
	case <-ctx.Done():
		return nil, classify(ErrFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, classify(ErrFetchFailed, res.Err)
		}
		return cloneCounterparties(res.Val.([]model.Counterparty)), nil
	}
}

// Search returns cached counterparties whose name or subtitle contains query.
// The cache is loaded on first use or when older than the TTL. A query with
// no local match falls back to a server-side search.
func (d *Directory) Search(ctx context.Context, domain model.Domain, query string) ([]model.Counterparty, error) {
	if !domain.Valid() {
		return nil, model.ErrUnknownDomain
	}

	list, fresh := d.cached(domain)
	if !fresh {
		var err error
		if list, err = d.Load(ctx, domain); err != nil {
			return nil, err
		}
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return list, nil
	}

	matches := filterCounterparties(list, query)
	if len(matches) > 0 {
		return matches, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	remote, err := d.api.ListCounterparties(fetchCtx, domain, query)
	if err != nil {
		return nil, classify(ErrFetchFailed, err)
	}
	return remote, nil
}

// Get returns a cached counterparty.
func (d *Directory) Get(domain model.Domain, id string) (model.Counterparty, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, cp := range d.entries[domain].counterparties {
		if cp.ID == id {
			return cp, true
		}
	}
	return model.Counterparty{}, false
}

func (d *Directory) cached(domain model.Domain) ([]model.Counterparty, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.entries[domain]
	if !ok {
		return nil, false
	}
	if d.ttl > 0 && d.now().Sub(entry.loadedAt) > d.ttl {
		return nil, false
	}
	return cloneCounterparties(entry.counterparties), true
}

func filterCounterparties(list []model.Counterparty, query string) []model.Counterparty {
	q := strings.ToLower(query)
	var out []model.Counterparty
	for _, cp := range list {
		if strings.Contains(strings.ToLower(cp.DisplayName), q) ||
			strings.Contains(strings.ToLower(cp.Subtitle), q) {
			out = append(out, cp)
		}
	}
	return out
}

func cloneCounterparties(list []model.Counterparty) []model.Counterparty {
	out := make([]model.Counterparty, len(list))
	copy(out, list)
	return out
}
