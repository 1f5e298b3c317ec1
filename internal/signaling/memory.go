package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// MemoryStore is an in-process signaling store. Each Connect call returns an
// independent client connection so several participants can share it.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	docs     map[string]*memDoc
	lists    map[string][]json.RawMessage
	watchers map[string]map[int]chan struct{}
	nextID   int
	seq      int64
}

type memDoc struct {
	fields  map[string]json.RawMessage
	created int64
	version int64
	updated int64 // unix millis
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:    clk,
		docs:     map[string]*memDoc{},
		lists:    map[string][]json.RawMessage{},
		watchers: map[string]map[int]chan struct{}{},
	}
}

// Connect opens a client connection on the store.
func (s *MemoryStore) Connect() *MemoryChannel {
	return &MemoryChannel{
		store: s,
		wills: map[string]map[string]json.RawMessage{},
		subs:  map[int]func(){},
		log:   logger.Named("signaling.memory"),
	}
}

// notify must be called with s.mu held.
func (s *MemoryStore) notify(paths ...string) {
	for _, p := range paths {
		for _, w := range s.watchers[p] {
			select {
			case w <- struct{}{}:
			default:
			}
		}
	}
}

func (s *MemoryStore) watch(paths ...string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	ch := make(chan struct{}, 1)
	for _, p := range paths {
		if s.watchers[p] == nil {
			s.watchers[p] = map[int]chan struct{}{}
		}
		s.watchers[p][id] = ch
	}
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, p := range paths {
			delete(s.watchers[p], id)
			if len(s.watchers[p]) == 0 {
				delete(s.watchers, p)
			}
		}
	}
}

// write must be called with s.mu held.
func (s *MemoryStore) write(path string, fields map[string]json.RawMessage, replace bool) {
	d, ok := s.docs[path]
	if !ok {
		s.seq++
		d = &memDoc{fields: map[string]json.RawMessage{}, created: s.seq}
		s.docs[path] = d
	}
	if replace {
		d.fields = map[string]json.RawMessage{}
	}
	for k, v := range fields {
		d.fields[k] = v
	}
	d.version++
	d.updated = s.clock.Now().UnixMilli()
	s.notify(path, Parent(path))
}

func (s *MemoryStore) snapshot(path string, d *memDoc) Snapshot {
	fields := make(map[string]json.RawMessage, len(d.fields))
	for k, v := range d.fields {
		fields[k] = v
	}
	return Snapshot{
		Path:      path,
		Exists:    true,
		Version:   d.version,
		UpdatedAt: unixMilli(d.updated),
		Fields:    fields,
	}
}

// MemoryChannel is one client connection to a MemoryStore.
type MemoryChannel struct {
	store *MemoryStore
	log   *zap.Logger

	mu     sync.Mutex
	closed bool
	wills  map[string]map[string]json.RawMessage
	subs   map[int]func()
	nextID int

	reconnects reconnectHub
}

var (
	_ Channel     = (*MemoryChannel)(nil)
	_ Reconnector = (*MemoryChannel)(nil)
)

func (c *MemoryChannel) checkOpen(path string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return validatePath(path)
}

func (c *MemoryChannel) Set(ctx context.Context, path string, value any) error {
	return c.put(path, value, true)
}

func (c *MemoryChannel) Merge(ctx context.Context, path string, value any) error {
	return c.put(path, value, false)
}

func (c *MemoryChannel) put(path string, value any, replace bool) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	fields, err := encodeFields(value)
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.write(path, fields, replace)
	return nil
}

func (c *MemoryChannel) Update(ctx context.Context, path string, fields map[string]any, conds ...Condition) error {
	return c.Commit(ctx, NewBatch().Update(path, fields, conds...))
}

func (c *MemoryChannel) Commit(ctx context.Context, b *Batch) error {
	type prepared struct {
		path   string
		fields map[string]json.RawMessage
		conds  []encodedCond
	}
	ops := make([]prepared, 0, len(b.ops))
	for _, op := range b.ops {
		if err := c.checkOpen(op.path); err != nil {
			return err
		}
		fields, err := encodeFieldMap(op.fields)
		if err != nil {
			return err
		}
		p := prepared{path: op.path, fields: fields}
		for _, cond := range op.conds {
			ec, err := cond.encode()
			if err != nil {
				return err
			}
			p.conds = append(p.conds, ec)
		}
		ops = append(ops, p)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, op := range ops {
		d, ok := c.store.docs[op.path]
		if !ok {
			return fmt.Errorf("%s: %w", op.path, ErrNotFound)
		}
		for _, ec := range op.conds {
			cur, present := d.fields[ec.field]
			if !ec.holds(cur, present) {
				return fmt.Errorf("%s: %s %s: %w", op.path, ec.field, ec.op, ErrConditionFailed)
			}
		}
	}
	for _, op := range ops {
		c.store.write(op.path, op.fields, false)
	}
	return nil
}

func (c *MemoryChannel) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	if err := c.checkOpen(path); err != nil {
		return 0, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	d, ok := c.store.docs[path]
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	var n int64
	if raw, ok := d.fields[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("field %s is not an integer: %w", field, err)
		}
	}
	n += delta
	raw, _ := json.Marshal(n)
	c.store.write(path, map[string]json.RawMessage{field: raw}, false)
	return n, nil
}

func (c *MemoryChannel) Delete(ctx context.Context, path string) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.docs, path)
	delete(c.store.lists, path)
	c.store.notify(path, Parent(path))
	return nil
}

func (c *MemoryChannel) Once(ctx context.Context, path string) (Snapshot, error) {
	if err := c.checkOpen(path); err != nil {
		return Snapshot{}, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	d, ok := c.store.docs[path]
	if !ok {
		return Snapshot{Path: path}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return c.store.snapshot(path, d), nil
}

func (c *MemoryChannel) Query(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := c.checkOpen(collection); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	prefix := collection + "/"
	type entry struct {
		path string
		doc  *memDoc
	}
	var children []entry
	for p, d := range c.store.docs {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			children = append(children, entry{p, d})
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].doc.created < children[j].doc.created })
	out := make([]Snapshot, 0, len(children))
	for _, e := range children {
		out = append(out, c.store.snapshot(e.path, e.doc))
	}
	return out, nil
}

func (c *MemoryChannel) Append(ctx context.Context, path string, item any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode list item: %w", err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.lists[path] = append(c.store.lists[path], raw)
	c.store.notify(path)
	return nil
}

func (c *MemoryChannel) Items(ctx context.Context, path string) ([]Item, error) {
	return c.itemsFrom(ctx, path, 0)
}

func (c *MemoryChannel) itemsFrom(ctx context.Context, path string, from int64) ([]Item, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	list := c.store.lists[path]
	var out []Item
	for i := from; i < int64(len(list)); i++ {
		out = append(out, Item{Index: i, Data: list[i]})
	}
	return out, nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, path string) (*Subscription[Snapshot], error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	nudges, unwatch := c.store.watch(path)
	sub := track(c, unwatch, func(release func()) *Subscription[Snapshot] { return newSubscription[Snapshot](release) })
	go pump(ctx, sub, nudges, c.store.clock, 0, c.log.With(zap.String("path", path)), docReader(path, c.Once))
	return sub, nil
}

func (c *MemoryChannel) SubscribeCollection(ctx context.Context, collection string) (*Subscription[[]Snapshot], error) {
	if err := c.checkOpen(collection); err != nil {
		return nil, err
	}
	nudges, unwatch := c.store.watch(collection)
	sub := track(c, unwatch, func(release func()) *Subscription[[]Snapshot] { return newSubscription[[]Snapshot](release) })
	go pump(ctx, sub, nudges, c.store.clock, 0, c.log.With(zap.String("collection", collection)), collectionReader(collection, c.Query))
	return sub, nil
}

func (c *MemoryChannel) SubscribeList(ctx context.Context, path string) (*Subscription[Item], error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	nudges, unwatch := c.store.watch(path)
	sub := track(c, unwatch, func(release func()) *Subscription[Item] { return newSubscription[Item](release) })
	go pump(ctx, sub, nudges, c.store.clock, 0, c.log.With(zap.String("list", path)), listReader(path, c.itemsFrom))
	return sub, nil
}

// track registers the subscription so Close can cancel it.
func track[T any](c *MemoryChannel, unwatch func(), mk func(func()) *Subscription[T]) *Subscription[T] {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	var sub *Subscription[T]
	sub = mk(func() {
		unwatch()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.subs[id] = sub.Cancel
	c.mu.Unlock()
	return sub
}

func (c *MemoryChannel) OnDisconnect(ctx context.Context, path string, value any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	fields, err := encodeFields(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.wills[path] = fields
	c.mu.Unlock()
	return nil
}

func (c *MemoryChannel) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.wills, path)
	c.mu.Unlock()
	return nil
}

// Disconnect simulates an abrupt connection loss: registered disconnect
// writes are applied by the store and every subscription ends.
func (c *MemoryChannel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wills := c.wills
	c.wills = nil
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.reconnects.close()
	c.applyWills(wills)
}

// Reconnect simulates an outage long enough for the store to give up on
// the connection: registered disconnect writes are applied and dropped,
// then the connection comes back with its subscriptions intact.
func (c *MemoryChannel) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wills := c.wills
	c.wills = map[string]map[string]json.RawMessage{}
	c.mu.Unlock()

	c.applyWills(wills)
	c.reconnects.fire()
}

func (c *MemoryChannel) Reconnected() (<-chan struct{}, func()) {
	return c.reconnects.watch()
}

func (c *MemoryChannel) applyWills(wills map[string]map[string]json.RawMessage) {
	c.store.mu.Lock()
	for path, fields := range wills {
		c.store.write(path, fields, true)
	}
	c.store.mu.Unlock()
	if len(wills) > 0 {
		c.log.Debug("Applied disconnect writes", zap.Int("count", len(wills)))
	}
}

// Close is a disconnect from the store's point of view.
func (c *MemoryChannel) Close() error {
	c.Disconnect()
	return nil
}
