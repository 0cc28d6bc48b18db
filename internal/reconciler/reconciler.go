package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// List is the list-level metadata a view shows above its items.
type List struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Privacy     string `json:"privacy,omitempty"`
}

// Loader reads from the source of truth.
type Loader interface {
	LoadList(ctx context.Context, listID string) (List, error)
	LoadItems(ctx context.Context, listID string) ([]domain.Item, error)
	LoadItem(ctx context.Context, itemID string) (domain.Item, error)
}

type Outcome int

const (
	Ignored Outcome = iota
	Patched
	Invalidated
)

func (o Outcome) String() string {
	switch o {
	case Patched:
		return "patched"
	case Invalidated:
		return "invalidated"
	default:
		return "ignored"
	}
}

// patchedTypes are the events Attach subscribes to.
var patchedTypes = []domain.EventType{
	domain.EventListItemAdded,
	domain.EventListItemUpdated,
	domain.EventListItemDeleted,
	domain.EventListMetadataUpdated,
	domain.EventClaimCreated,
	domain.EventClaimRemoved,
}

type Options struct {
	Clock clockwork.Clock
	// MaxAge makes entries older than this reload on read. 0 keeps them until
	// an event invalidates them.
	MaxAge time.Duration
}

// Reconciler owns one client's cached list view. Apply is safe to call
// concurrently with reads, but events must be applied in receipt order.
type Reconciler struct {
	loader Loader
	cache  *queryCache
	group  singleflight.Group

	mu       sync.Mutex
	onChange []func(QueryKey, Outcome)
}

func New(loader Loader, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		loader: loader,
		cache:  newQueryCache(opts.Clock, opts.MaxAge),
	}
}

// Attach applies every list event sub delivers. The returned func detaches.
func (r *Reconciler) Attach(sub domain.Subscriber) func() {
	handles := make([]domain.ListenerHandle, 0, len(patchedTypes))
	for _, t := range patchedTypes {
		handles = append(handles, sub.On(t, func(e domain.Event) { r.Apply(e) }))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, h := range handles {
				sub.Off(h)
			}
		})
	}
}

// OnChange registers fn to run after a patch or invalidation of key.
func (r *Reconciler) OnChange(fn func(key QueryKey, outcome Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Apply folds one event into the cache. Applying the same event twice leaves
// the cache as applying it once.
func (r *Reconciler) Apply(event domain.Event) Outcome {
	var (
		outcome Outcome
		keys    []QueryKey
	)

	switch p := event.Payload.(type) {
	case domain.ItemAdded:
		key := ListItemsKey(p.ListID)
		if r.cache.update(key, itemsPatch(func(items []domain.Item) ([]domain.Item, bool) {
			return insertItem(items, p.Item)
		})) {
			outcome, keys = Patched, []QueryKey{key}
		}

	case domain.ItemUpdated:
		keys = []QueryKey{ListItemsKey(p.ListID), ItemKey(p.ItemID)}
		for _, key := range keys {
			r.cache.invalidate(key)
		}
		outcome = Invalidated

	case domain.ItemDeleted:
		key := ListItemsKey(p.ListID)
		if r.cache.update(key, itemsPatch(func(items []domain.Item) ([]domain.Item, bool) {
			return removeItem(items, p.ItemID)
		})) {
			outcome, keys = Patched, append(keys, key)
		}
		if r.cache.evict(ItemKey(p.ItemID)) {
			outcome, keys = Patched, append(keys, ItemKey(p.ItemID))
		}

	case domain.ClaimCreated:
		outcome, keys = r.patchClaims(p.ListID, p.ItemID, func(claims []domain.Claim) ([]domain.Claim, bool) {
			return addClaim(claims, p.Claim)
		})

	case domain.ClaimRemoved:
		outcome, keys = r.patchClaims(p.ListID, p.ItemID, func(claims []domain.Claim) ([]domain.Claim, bool) {
			return removeClaims(claims, p.UserID)
		})

	case domain.ListMetadataUpdated:
		keys = []QueryKey{ListKey(p.ListID)}
		r.cache.invalidate(keys[0])
		outcome = Invalidated
	}

	slog.Debug("Applied event", "event_type", event.Type, "outcome", outcome.String())
	r.notify(keys, outcome)
	return outcome
}

// patchClaims rewrites the claims of itemID in both the list collection and
// the item detail, whichever are cached.
func (r *Reconciler) patchClaims(listID, itemID string, fn func([]domain.Claim) ([]domain.Claim, bool)) (Outcome, []QueryKey) {
	var keys []QueryKey

	listKey := ListItemsKey(listID)
	if r.cache.update(listKey, itemsPatch(func(items []domain.Item) ([]domain.Item, bool) {
		i := slices.IndexFunc(items, func(it domain.Item) bool { return it.ID == itemID })
		if i < 0 {
			return items, false
		}
		claims, changed := fn(items[i].Claims)
		if !changed {
			return items, false
		}
		next := slices.Clone(items)
		next[i].Claims = claims
		return next, true
	})) {
		keys = append(keys, listKey)
	}

	detailKey := ItemKey(itemID)
	if r.cache.update(detailKey, func(v any) (any, bool) {
		item := v.(domain.Item)
		claims, changed := fn(item.Claims)
		if !changed {
			return v, false
		}
		item.Claims = claims
		return item, true
	}) {
		keys = append(keys, detailKey)
	}

	if len(keys) == 0 {
		return Ignored, nil
	}
	return Patched, keys
}

func (r *Reconciler) notify(keys []QueryKey, outcome Outcome) {
	if outcome == Ignored {
		return
	}
	r.mu.Lock()
	callbacks := slices.Clone(r.onChange)
	r.mu.Unlock()

	for _, key := range keys {
		for _, fn := range callbacks {
			fn(key, outcome)
		}
	}
}

// Items returns the list's items, loading them when missing or stale.
func (r *Reconciler) Items(ctx context.Context, listID string) ([]domain.Item, error) {
	v, err := r.read(ctx, ListItemsKey(listID), func(ctx context.Context) (any, error) {
		items, err := r.loader.LoadItems(ctx, listID)
		if err != nil {
			return nil, err
		}
		return normalizeItems(items), nil
	})
	if err != nil {
		return nil, err
	}
	return cloneItems(v.([]domain.Item)), nil
}

func (r *Reconciler) List(ctx context.Context, listID string) (List, error) {
	v, err := r.read(ctx, ListKey(listID), func(ctx context.Context) (any, error) {
		return r.loader.LoadList(ctx, listID)
	})
	if err != nil {
		return List{}, err
	}
	return v.(List), nil
}

func (r *Reconciler) Item(ctx context.Context, itemID string) (domain.Item, error) {
	v, err := r.read(ctx, ItemKey(itemID), func(ctx context.Context) (any, error) {
		item, err := r.loader.LoadItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		return normalizeItem(item), nil
	})
	if err != nil {
		return domain.Item{}, err
	}
	return v.(domain.Item).Clone(), nil
}

// CachedItems returns the cached collection without loading. The bool is
// false when nothing is cached.
func (r *Reconciler) CachedItems(listID string) ([]domain.Item, bool) {
	v, _, ok := r.cache.get(ListItemsKey(listID))
	if !ok {
		return nil, false
	}
	return cloneItems(v.([]domain.Item)), true
}

func (r *Reconciler) IsStale(key QueryKey) bool {
	return r.cache.isStale(key)
}

func (r *Reconciler) Invalidate(key QueryKey) {
	r.cache.invalidate(key)
	r.notify([]QueryKey{key}, Invalidated)
}

// Forget drops every query of a list, typically when its view is closed.
func (r *Reconciler) Forget(listID string) {
	r.cache.evict(ListKey(listID))
	r.cache.evict(ListItemsKey(listID))
}

// read serves key from the cache or loads it. Concurrent loads of one key
// share a single loader call. A load overtaken by an event is stored stale
// and reported as Invalidated, so listeners reload it.
func (r *Reconciler) read(ctx context.Context, key QueryKey, load func(context.Context) (any, error)) (any, error) {
	if v, fresh, _ := r.cache.get(key); fresh {
		return v, nil
	}

	v, err, shared := r.group.Do(string(key), func() (any, error) {
		gen := r.cache.gen(key)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if r.cache.store(key, v, gen) {
			// reloads triggered below must not join this call
			r.group.Forget(string(key))
			slog.Debug("Load overtaken by event", "key", string(key))
			r.notify([]QueryKey{key}, Invalidated)
		}
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if shared {
		slog.Debug("Shared in-flight load", "key", string(key))
	}
	return v, nil
}

func itemsPatch(fn func([]domain.Item) ([]domain.Item, bool)) func(any) (any, bool) {
	return func(v any) (any, bool) {
		return fn(v.([]domain.Item))
	}
}

func insertItem(items []domain.Item, item domain.Item) ([]domain.Item, bool) {
	if slices.ContainsFunc(items, func(it domain.Item) bool { return it.ID == item.ID }) {
		return items, false
	}
	next := make([]domain.Item, 0, len(items)+1)
	next = append(next, items...)
	return append(next, normalizeItem(item)), true
}

func removeItem(items []domain.Item, itemID string) ([]domain.Item, bool) {
	if !slices.ContainsFunc(items, func(it domain.Item) bool { return it.ID == itemID }) {
		return items, false
	}
	return slices.DeleteFunc(slices.Clone(items), func(it domain.Item) bool { return it.ID == itemID }), true
}

func addClaim(claims []domain.Claim, claim domain.Claim) ([]domain.Claim, bool) {
	if slices.ContainsFunc(claims, func(c domain.Claim) bool { return c.ID == claim.ID }) {
		return claims, false
	}
	next := make([]domain.Claim, 0, len(claims)+1)
	next = append(next, claims...)
	return append(next, claim), true
}

// removeClaims drops every claim by userID. The result is never nil.
func removeClaims(claims []domain.Claim, userID string) ([]domain.Claim, bool) {
	if !slices.ContainsFunc(claims, func(c domain.Claim) bool { return c.UserID == userID }) {
		return claims, false
	}
	next := make([]domain.Claim, 0, len(claims))
	for _, c := range claims {
		if c.UserID != userID {
			next = append(next, c)
		}
	}
	return next, true
}

// normalizeItem copies item and gives it a non-nil claim list.
func normalizeItem(item domain.Item) domain.Item {
	out := item.Clone()
	if out.Claims == nil {
		out.Claims = []domain.Claim{}
	}
	return out
}

func normalizeItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, len(items))
	for i, it := range items {
		out[i] = normalizeItem(it)
	}
	return out
}

func cloneItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
