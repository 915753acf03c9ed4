package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/stagecrawler/internal/kvstore"
)

// SeenSet records URIs already admitted during a crawl run. MarkIfNew is a
// single atomic membership check and insert.
type SeenSet interface {
	MarkIfNew(ctx context.Context, uri string) (bool, error)
}

// MemorySeen is a process-local SeenSet.
type MemorySeen struct {
	seen sync.Map
}

// NewMemorySeen constructs an empty MemorySeen.
func NewMemorySeen() *MemorySeen {
	return &MemorySeen{}
}

// MarkIfNew stores the URI if it has not been seen before and returns true.
func (t *MemorySeen) MarkIfNew(_ context.Context, uri string) (bool, error) {
	if uri == "" {
		return false, nil
	}
	_, loaded := t.seen.LoadOrStore(uri, struct{}{})
	return !loaded, nil
}

const seenPrefix = "seen:"

// StoreSeen shares the seen set across nodes through a key-value store.
type StoreSeen struct {
	store kvstore.Store
	runID string
}

// NewStoreSeen scopes keys to runID so separate crawl runs do not collide.
func NewStoreSeen(store kvstore.Store, runID string) *StoreSeen {
	return &StoreSeen{store: store, runID: runID}
}

// MarkIfNew implements SeenSet.
func (t *StoreSeen) MarkIfNew(ctx context.Context, uri string) (bool, error) {
	if uri == "" {
		return false, nil
	}
	added, err := t.store.PutIfAbsent(ctx, seenPrefix+t.runID+":"+uri, []byte{1}, 0)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return added, nil
}
