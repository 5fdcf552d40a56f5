package reconcile

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// bookLocks serializes writers per book md5. Each key maps to a one-slot
// semaphore so a waiting import can give up when its context is cancelled.
type bookLocks struct {
	sems sync.Map // map[string]chan struct{}
}

func (l *bookLocks) semaphore(key string) chan struct{} {
	sem, _ := l.sems.LoadOrStore(key, make(chan struct{}, 1))
	return sem.(chan struct{})
}

// acquire locks every key in sorted order, so two batches sharing books can
// never wait on each other in a cycle. The returned func releases them all.
func (l *bookLocks) acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := uniqueSorted(keys)
	held := make([]chan struct{}, 0, len(sorted))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, key := range sorted {
		sem := l.semaphore(key)
		select {
		case sem <- struct{}{}:
			held = append(held, sem)
		case <-ctx.Done():
			release()
			return nil, errors.WithStack(ctx.Err())
		}
	}

	return release, nil
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
