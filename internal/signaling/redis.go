package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Redis key layout.
const (
	docKeyFmt     = "sig:doc:%s"
	listKeyFmt    = "sig:list:%s"
	colKeyFmt     = "sig:col:%s"
	chanFmt       = "sig:ch:%s"
	willKeyFmt    = "sig:will:%s"
	seqKey        = "sig:seq"
	connsKey      = "sig:conns"
	defaultResync = 30 * time.Second
)

// luaWriteDoc replaces or merges a document, indexes it in its parent
// collection and notifies watchers. The version survives a replace so that
// two writes within one clock tick still read as different snapshots.
const luaWriteDoc = `
local function write_doc(doc, col, seq, mode, id, now, docChan, colChan, kv)
  if mode == 'set' then
    local v = tonumber(redis.call('HGET', doc, '_v') or '0') or 0
    redis.call('DEL', doc)
    redis.call('HSET', doc, '_v', v)
  end
  for i = 1, #kv, 2 do redis.call('HSET', doc, kv[i], kv[i + 1]) end
  redis.call('HINCRBY', doc, '_v', 1)
  redis.call('HSET', doc, '_t', now)
  if not redis.call('ZSCORE', col, id) then
    redis.call('ZADD', col, redis.call('INCR', seq), id)
  end
  redis.call('PUBLISH', docChan, '1')
  redis.call('PUBLISH', colChan, '1')
end
`

// writeScript KEYS: doc, col, seq. ARGV: mode, id, now, docChan, colChan,
// field/value pairs.
var writeScript = redis.NewScript(luaWriteDoc + `
local kv = {}
for i = 6, #ARGV do kv[#kv + 1] = ARGV[i] end
write_doc(KEYS[1], KEYS[2], KEYS[3], ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], kv)
return 1
`)

// expireScript claims a connection lease and applies its wills in one step,
// so a heartbeat can never land between the claim and the will replay.
// Unless forced, a lease renewed after the sweep read it is left alone.
// Wills are stored as path -> JSON object of field -> raw JSON value.
// KEYS: conns, will, seq. ARGV: connID, now, force, docPrefix, colPrefix, chanPrefix.
var expireScript = redis.NewScript(luaWriteDoc + `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then return 0 end
if ARGV[3] ~= '1' and tonumber(score) > tonumber(ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
local wills = redis.call('HGETALL', KEYS[2])
local n = 0
for i = 1, #wills, 2 do
  local path = wills[i]
  local kv = {}
  for k, v in pairs(cjson.decode(wills[i + 1])) do
    kv[#kv + 1] = k
    kv[#kv + 1] = v
  end
  local parent = string.match(path, '^(.*)/[^/]*$') or ''
  local id = string.match(path, '([^/]*)$')
  write_doc(ARGV[4] .. path, ARGV[5] .. parent, KEYS[3], 'set', id, ARGV[2],
    ARGV[6] .. path, ARGV[6] .. parent, kv)
  n = n + 1
end
redis.call('DEL', KEYS[2])
return n
`)

// updateScript applies a batch of conditional updates atomically. Nothing is
// written unless every document exists and every condition holds.
// KEYS: docs. ARGV: now, then per key: docChan, colChan, ncond,
// (field, op, value)*ncond, nfields, (field, value)*nfields.
var updateScript = redis.NewScript(`
local ops = {}
local p = 2
for k = 1, #KEYS do
  local op = {key = KEYS[k], chan = ARGV[p], col = ARGV[p + 1], fields = {}}
  local nc = tonumber(ARGV[p + 2])
  p = p + 3
  local exists = redis.call('EXISTS', op.key) == 1
  if not exists then return 'NOTFOUND:' .. k end
  for c = 1, nc do
    local f, o, v = ARGV[p], ARGV[p + 1], ARGV[p + 2]
    p = p + 3
    local cur = redis.call('HGET', op.key, f)
    if o == 'eq' and cur ~= v then return 'CONDFAILED:' .. k end
    if o == 'ne' and cur == v then return 'CONDFAILED:' .. k end
    if o == 'absent' and cur and cur ~= 'null' then return 'CONDFAILED:' .. k end
  end
  local nf = tonumber(ARGV[p])
  p = p + 1
  for i = 1, nf do
    table.insert(op.fields, ARGV[p])
    table.insert(op.fields, ARGV[p + 1])
    p = p + 2
  end
  ops[k] = op
end
for k = 1, #ops do
  local op = ops[k]
  for i = 1, #op.fields, 2 do redis.call('HSET', op.key, op.fields[i], op.fields[i + 1]) end
  redis.call('HINCRBY', op.key, '_v', 1)
  redis.call('HSET', op.key, '_t', ARGV[1])
  redis.call('PUBLISH', op.chan, '1')
  redis.call('PUBLISH', op.col, '1')
end
return 'OK'
`)

// incrementScript adds to an integer field of an existing document.
// KEYS: doc. ARGV: field, delta, now, docChan, colChan.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOTFOUND') end
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0') or 0
local n = cur + tonumber(ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], string.format('%d', n))
redis.call('HINCRBY', KEYS[1], '_v', 1)
redis.call('HSET', KEYS[1], '_t', ARGV[3])
redis.call('PUBLISH', ARGV[4], '1')
redis.call('PUBLISH', ARGV[5], '1')
return n
`)

// RedisOptions tunes a RedisChannel.
type RedisOptions struct {
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	LeaseTTL  time.Duration
	Heartbeat time.Duration
	// Resync re-reads subscribed state periodically to cover pub/sub messages
	// lost during a reconnect.
	Resync time.Duration
}

// RedisChannel is a signaling connection backed by Redis hashes, lists,
// sorted sets and pub/sub. Each instance holds a connection lease; when the
// lease lapses a Reaper applies its disconnect writes.
type RedisChannel struct {
	db      *database.RedisClient
	connID  string
	clock   clock.Clock
	metrics *metrics.Metrics
	opts    RedisOptions
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[int]func()
	nextID int
	stop   chan struct{}
	wg     sync.WaitGroup

	reconnects reconnectHub
}

var (
	_ Channel     = (*RedisChannel)(nil)
	_ Reconnector = (*RedisChannel)(nil)
)

// NewRedisChannel opens a connection lease and starts its heartbeat.
func NewRedisChannel(ctx context.Context, db *database.RedisClient, opts RedisOptions) (*RedisChannel, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = constants.ConnectionLeaseTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = constants.ConnectionHeartbeat
	}
	if opts.Resync <= 0 {
		opts.Resync = defaultResync
	}
	c := &RedisChannel{
		db:      db,
		connID:  uuid.NewString(),
		clock:   opts.Clock,
		metrics: opts.Metrics,
		opts:    opts,
		subs:    map[int]func(){},
		stop:    make(chan struct{}),
	}
	c.log = logger.Named("signaling.redis").With(zap.String("conn_id", c.connID))

	if _, err := c.renewLease(ctx); err != nil {
		return nil, c.fail("lease", err)
	}

	ticker := c.clock.Ticker(opts.Heartbeat)
	c.wg.Add(1)
	go c.heartbeat(ticker)
	return c, nil
}

// ConnID identifies this connection's lease.
func (c *RedisChannel) ConnID() string {
	return c.connID
}

// Reconnected reports leases regained after a reaper claimed them.
func (c *RedisChannel) Reconnected() (<-chan struct{}, func()) {
	return c.reconnects.watch()
}

// renewLease pushes the lease expiry forward. It reports true when the lease
// had to be re-added, which after the first call means a reaper claimed it
// and its wills have fired.
func (c *RedisChannel) renewLease(ctx context.Context) (bool, error) {
	expiry := c.clock.Now().Add(c.opts.LeaseTTL).UnixMilli()
	added, err := c.db.SafeZAdd(ctx, connsKey, c.connID, float64(expiry)).Result()
	return added > 0, err
}

func (c *RedisChannel) heartbeat(t *clock.Ticker) {
	defer c.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.Heartbeat)
			reclaimed, err := c.renewLease(ctx)
			cancel()
			if err != nil {
				c.log.Warn("Failed to renew signaling lease", zap.Error(err))
				continue
			}
			if reclaimed {
				c.log.Warn("Signaling lease was reclaimed, disconnect writes must be registered again")
				if c.metrics != nil {
					c.metrics.RecordSignalingOp("reconnect", "")
				}
				c.reconnects.fire()
			}
		}
	}
}

func (c *RedisChannel) checkOpen(path string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return validatePath(path)
}

// fail records the failed op and maps Redis errors onto the signaling taxonomy.
func (c *RedisChannel) fail(op string, err error) error {
	if err == nil {
		if c.metrics != nil {
			c.metrics.RecordSignalingOp(op, "")
		}
		return nil
	}
	mapped := err
	if !apperrors.IsAppError(err) {
		mapped = apperrors.TransportUnavailableError(err)
	}
	if c.metrics != nil {
		c.metrics.RecordSignalingOp(op, string(apperrors.GetAppError(mapped).Code))
	}
	return mapped
}

func (c *RedisChannel) now() string {
	return strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
}

func docKey(path string) string  { return fmt.Sprintf(docKeyFmt, path) }
func listKey(path string) string { return fmt.Sprintf(listKeyFmt, path) }
func colKey(path string) string  { return fmt.Sprintf(colKeyFmt, path) }
func chanName(path string) string {
	return fmt.Sprintf(chanFmt, path)
}

func (c *RedisChannel) Set(ctx context.Context, path string, value any) error {
	return c.put(ctx, "set", path, value)
}

func (c *RedisChannel) Merge(ctx context.Context, path string, value any) error {
	return c.put(ctx, "merge", path, value)
}

func (c *RedisChannel) put(ctx context.Context, mode, path string, value any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	fields, err := encodeFields(value)
	if err != nil {
		return err
	}
	return c.fail(mode, c.writeDoc(ctx, mode, path, fields))
}

func (c *RedisChannel) writeDoc(ctx context.Context, mode, path string, fields map[string]json.RawMessage) error {
	parent := Parent(path)
	args := []interface{}{mode, Base(path), c.now(), chanName(path), chanName(parent)}
	for k, v := range fields {
		args = append(args, k, string(v))
	}
	return c.db.SafeEvalScript(ctx, writeScript, []string{docKey(path), colKey(parent), seqKey}, args...).Err()
}

func (c *RedisChannel) Update(ctx context.Context, path string, fields map[string]any, conds ...Condition) error {
	return c.Commit(ctx, NewBatch().Update(path, fields, conds...))
}

func (c *RedisChannel) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	keys := make([]string, 0, b.Len())
	args := []interface{}{c.now()}
	for _, op := range b.ops {
		if err := c.checkOpen(op.path); err != nil {
			return err
		}
		fields, err := encodeFieldMap(op.fields)
		if err != nil {
			return err
		}
		keys = append(keys, docKey(op.path))
		args = append(args, chanName(op.path), chanName(Parent(op.path)), len(op.conds))
		for _, cond := range op.conds {
			ec, err := cond.encode()
			if err != nil {
				return err
			}
			args = append(args, ec.field, string(ec.op), string(ec.value))
		}
		args = append(args, len(fields))
		for k, v := range fields {
			args = append(args, k, string(v))
		}
	}

	res, err := c.db.SafeEvalScript(ctx, updateScript, keys, args...).Text()
	if err != nil {
		return c.fail("commit", err)
	}
	switch {
	case res == "OK":
		return c.fail("commit", nil)
	case strings.HasPrefix(res, "NOTFOUND:"):
		return c.fail("commit", fmt.Errorf("%s: %w", b.ops[scriptIndex(res)].path, ErrNotFound))
	case strings.HasPrefix(res, "CONDFAILED:"):
		return c.fail("commit", fmt.Errorf("%s: %w", b.ops[scriptIndex(res)].path, ErrConditionFailed))
	}
	return c.fail("commit", fmt.Errorf("unexpected commit result %q", res))
}

// scriptIndex turns the 1-based Lua index suffix of a result into a batch index.
func scriptIndex(res string) int {
	i, err := strconv.Atoi(res[strings.IndexByte(res, ':')+1:])
	if err != nil || i < 1 {
		return 0
	}
	return i - 1
}

func (c *RedisChannel) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	if err := c.checkOpen(path); err != nil {
		return 0, err
	}
	n, err := c.db.SafeEvalScript(ctx, incrementScript, []string{docKey(path)},
		field, delta, c.now(), chanName(path), chanName(Parent(path))).Int64()
	if err != nil && strings.Contains(err.Error(), "NOTFOUND") {
		return 0, c.fail("increment", fmt.Errorf("%s: %w", path, ErrNotFound))
	}
	return n, c.fail("increment", err)
}

func (c *RedisChannel) Delete(ctx context.Context, path string) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	parent := Parent(path)
	err := c.db.SafeTxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, docKey(path), listKey(path))
		pipe.ZRem(ctx, colKey(parent), Base(path))
		pipe.Publish(ctx, chanName(path), "1")
		pipe.Publish(ctx, chanName(parent), "1")
		return nil
	})
	return c.fail("delete", err)
}

func (c *RedisChannel) Once(ctx context.Context, path string) (Snapshot, error) {
	if err := c.checkOpen(path); err != nil {
		return Snapshot{}, err
	}
	raw, err := c.db.SafeHGetAll(ctx, docKey(path)).Result()
	if err != nil {
		return Snapshot{Path: path}, c.fail("once", err)
	}
	if len(raw) == 0 {
		return Snapshot{Path: path}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return decodeHash(path, raw), nil
}

func decodeHash(path string, raw map[string]string) Snapshot {
	snap := Snapshot{Path: path, Exists: true, Fields: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		switch k {
		case fieldVersion:
			snap.Version, _ = strconv.ParseInt(v, 10, 64)
		case fieldUpdatedAt:
			ms, _ := strconv.ParseInt(v, 10, 64)
			snap.UpdatedAt = unixMilli(ms)
		default:
			snap.Fields[k] = json.RawMessage(v)
		}
	}
	return snap
}

func (c *RedisChannel) Query(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := c.checkOpen(collection); err != nil {
		return nil, err
	}
	ids, err := c.db.SafeZRange(ctx, colKey(collection), 0, -1).Result()
	if err != nil {
		return nil, c.fail("query", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.db.SafePipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, docKey(Join(collection, id)))
		}
		return nil
	})
	if err != nil {
		return nil, c.fail("query", err)
	}
	out := make([]Snapshot, 0, len(ids))
	for i, id := range ids {
		raw := cmds[i].Val()
		if len(raw) == 0 {
			continue
		}
		out = append(out, decodeHash(Join(collection, id), raw))
	}
	return out, c.fail("query", nil)
}

func (c *RedisChannel) Append(ctx context.Context, path string, item any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode list item: %w", err)
	}
	err = c.db.SafeTxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey(path), string(raw))
		pipe.Publish(ctx, chanName(path), "1")
		return nil
	})
	return c.fail("append", err)
}

func (c *RedisChannel) Items(ctx context.Context, path string) ([]Item, error) {
	return c.itemsFrom(ctx, path, 0)
}

func (c *RedisChannel) itemsFrom(ctx context.Context, path string, from int64) ([]Item, error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	vals, err := c.db.SafeLRange(ctx, listKey(path), from, -1).Result()
	if err != nil {
		return nil, c.fail("items", err)
	}
	out := make([]Item, len(vals))
	for i, v := range vals {
		out[i] = Item{Index: from + int64(i), Data: json.RawMessage(v)}
	}
	return out, nil
}

// watch subscribes to notification channels and converts messages into nudges.
func (c *RedisChannel) watch(ctx context.Context, paths ...string) (<-chan struct{}, func(), error) {
	chans := make([]string, len(paths))
	for i, p := range paths {
		chans[i] = chanName(p)
	}
	ps, err := c.db.SafeSubscribe(ctx, chans...)
	if err != nil {
		return nil, nil, c.fail("subscribe", err)
	}
	nudges := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer close(nudges)
		for range msgs {
			select {
			case nudges <- struct{}{}:
			default:
			}
		}
	}()
	if c.metrics != nil {
		c.metrics.SubscriptionOpened()
	}
	var once sync.Once
	return nudges, func() {
		once.Do(func() {
			ps.Close()
			if c.metrics != nil {
				c.metrics.SubscriptionClosed()
			}
		})
	}, nil
}

func (c *RedisChannel) register(cancel func()) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.nextID++
	c.subs[c.nextID] = cancel
	return c.nextID, true
}

func (c *RedisChannel) unregister(id int) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *RedisChannel) Subscribe(ctx context.Context, path string) (*Subscription[Snapshot], error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	return openRedisSub(ctx, c, path, docReader(path, c.Once))
}

func (c *RedisChannel) SubscribeCollection(ctx context.Context, collection string) (*Subscription[[]Snapshot], error) {
	if err := c.checkOpen(collection); err != nil {
		return nil, err
	}
	return openRedisSub(ctx, c, collection, collectionReader(collection, c.Query))
}

func (c *RedisChannel) SubscribeList(ctx context.Context, path string) (*Subscription[Item], error) {
	if err := c.checkOpen(path); err != nil {
		return nil, err
	}
	return openRedisSub(ctx, c, path, listReader(path, c.itemsFrom))
}

func openRedisSub[T any](ctx context.Context, c *RedisChannel, path string, read func(context.Context) ([]T, error)) (*Subscription[T], error) {
	nudges, unwatch, err := c.watch(ctx, path)
	if err != nil {
		return nil, err
	}
	var id int
	sub := newSubscription[T](func() {
		unwatch()
		c.unregister(id)
	})
	id, ok := c.register(sub.Cancel)
	if !ok {
		unwatch()
		return nil, ErrClosed
	}
	go pump(ctx, sub, nudges, c.clock, c.opts.Resync, c.log.With(zap.String("path", path)), read)
	return sub, nil
}

func (c *RedisChannel) OnDisconnect(ctx context.Context, path string, value any) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	fields, err := encodeFields(value)
	if err != nil {
		return err
	}
	encoded := make(map[string]string, len(fields))
	for k, v := range fields {
		encoded[k] = string(v)
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	return c.fail("on_disconnect", c.db.SafeHSet(ctx, fmt.Sprintf(willKeyFmt, c.connID), path, string(raw)).Err())
}

func (c *RedisChannel) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.checkOpen(path); err != nil {
		return err
	}
	return c.fail("cancel_on_disconnect", c.db.SafeHDel(ctx, fmt.Sprintf(willKeyFmt, c.connID), path).Err())
}

// Close cancels every subscription, stops the heartbeat and applies this
// connection's disconnect writes immediately.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(c.stop)
	c.wg.Wait()
	c.reconnects.close()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	n, err := expireConnection(ctx, c.db, c.clock, c.connID, true)
	if err != nil {
		c.log.Warn("Failed to apply disconnect writes on close, reaper will retry", zap.Error(err))
		return nil
	}
	if c.metrics != nil && n > 0 {
		c.metrics.RecordWillsFired(n)
	}
	return nil
}

// expireConnection claims a connection lease and applies its wills. Only the
// caller that removes the lease from the index applies them. Without force a
// lease that is no longer past its expiry is skipped.
func expireConnection(ctx context.Context, db *database.RedisClient, clk clock.Clock, connID string, force bool) (int, error) {
	flag := "0"
	if force {
		flag = "1"
	}
	args := []interface{}{
		connID,
		strconv.FormatInt(clk.Now().UnixMilli(), 10),
		flag,
		strings.TrimSuffix(docKeyFmt, "%s"),
		strings.TrimSuffix(colKeyFmt, "%s"),
		strings.TrimSuffix(chanFmt, "%s"),
	}
	keys := []string{connsKey, fmt.Sprintf(willKeyFmt, connID), seqKey}
	n, err := db.SafeEvalScript(ctx, expireScript, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to expire connection %s: %w", connID, err)
	}
	return n, nil
}
