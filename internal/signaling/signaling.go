// Package signaling is the shared document and ephemeral key-value store that
// every realtime component coordinates through. Documents live at slash
// separated paths, lists are append-only, and every change is observable
// through cancellable subscriptions. Consumers must tolerate duplicate
// deliveries of the same logical update.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "chatcall-backend/pkg/errors"
)

// Channel is the signaling transport contract.
//
// Writes are last-writer-wins per field. Update and Commit are the only
// conditional operations; their preconditions are evaluated atomically by
// the store, never by read-modify-write on the client.
type Channel interface {
	// Set replaces the document at path.
	Set(ctx context.Context, path string, value any) error
	// Merge upserts the given fields into the document at path.
	Merge(ctx context.Context, path string, value any) error
	// Update writes fields onto an existing document. It fails with
	// ErrNotFound when the document is gone and ErrConditionFailed when a
	// condition does not hold.
	Update(ctx context.Context, path string, fields map[string]any, conds ...Condition) error
	// Increment adds delta to an integer field of an existing document.
	Increment(ctx context.Context, path, field string, delta int64) (int64, error)
	// Delete removes the document and list stored at path.
	Delete(ctx context.Context, path string) error
	// Commit applies every update in the batch or none of them.
	Commit(ctx context.Context, b *Batch) error

	// Once reads the current document. ErrNotFound when missing.
	Once(ctx context.Context, path string) (Snapshot, error)
	// Query returns the child documents of a collection in creation order.
	Query(ctx context.Context, collection string) ([]Snapshot, error)
	// Subscribe streams the document at path: the current value first, then
	// one snapshot per observed change.
	Subscribe(ctx context.Context, path string) (*Subscription[Snapshot], error)
	// SubscribeCollection streams the full child list whenever any child changes.
	SubscribeCollection(ctx context.Context, collection string) (*Subscription[[]Snapshot], error)

	// Append adds an item to the end of the list at path.
	Append(ctx context.Context, path string, item any) error
	// Items returns every item of the list at path in append order.
	Items(ctx context.Context, path string) ([]Item, error)
	// SubscribeList streams list items in append order, each once per subscription.
	SubscribeList(ctx context.Context, path string) (*Subscription[Item], error)

	// OnDisconnect registers a write the transport performs on this client's
	// behalf once its connection is lost.
	OnDisconnect(ctx context.Context, path string, value any) error
	// CancelOnDisconnect removes a previously registered disconnect write.
	CancelOnDisconnect(ctx context.Context, path string) error

	// Close releases the connection and cancels every open subscription.
	Close() error
}

// Reconnector is implemented by channels whose connection can lapse and come
// back without Close. When a reconnect is reported, every disconnect write
// registered before the outage has already been applied and dropped, so
// holders must register theirs again. The notice channel is closed when the
// connection closes; cancel stops delivery.
type Reconnector interface {
	Reconnected() (notices <-chan struct{}, cancel func())
}

// Reserved document fields maintained by the store.
const (
	fieldVersion   = "_v"
	fieldUpdatedAt = "_t"
)

var (
	ErrNotFound             = apperrors.ErrNotFound
	ErrConditionFailed      = apperrors.ErrConditionFailed
	ErrTransportUnavailable = apperrors.ErrTransportUnavailable
	ErrClosed               = apperrors.TransportUnavailableError(fmt.Errorf("signaling channel closed"))
)

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	Path      string
	Exists    bool
	Version   int64
	UpdatedAt time.Time
	Fields    map[string]json.RawMessage
}

// ID returns the last path segment.
func (s Snapshot) ID() string {
	return Base(s.Path)
}

// Decode unmarshals the document fields into out.
func (s Snapshot) Decode(out any) error {
	if !s.Exists {
		return ErrNotFound
	}
	raw, err := json.Marshal(s.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Field unmarshals a single field into out and reports whether it was present and non-null.
func (s Snapshot) Field(name string, out any) (bool, error) {
	raw, ok := s.Fields[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (s Snapshot) sameAs(o Snapshot) bool {
	return s.Exists == o.Exists && s.Version == o.Version && s.UpdatedAt.Equal(o.UpdatedAt)
}

// Item is one element of an append-only list.
type Item struct {
	Index int64
	Data  json.RawMessage
}

// Decode unmarshals the item into out.
func (i Item) Decode(out any) error {
	return json.Unmarshal(i.Data, out)
}

// CondOp is the comparison used by a Condition.
type CondOp string

const (
	CondEquals    CondOp = "eq"
	CondNotEquals CondOp = "ne"
	CondAbsent    CondOp = "absent"
)

// Condition guards an Update on the current value of one field.
type Condition struct {
	Field string
	Op    CondOp
	Value any
}

func FieldEquals(field string, value any) Condition {
	return Condition{Field: field, Op: CondEquals, Value: value}
}

func FieldNotEquals(field string, value any) Condition {
	return Condition{Field: field, Op: CondNotEquals, Value: value}
}

// FieldAbsent holds when the field is missing or null.
func FieldAbsent(field string) Condition {
	return Condition{Field: field, Op: CondAbsent}
}

type encodedCond struct {
	field string
	op    CondOp
	value json.RawMessage
}

func (c Condition) encode() (encodedCond, error) {
	ec := encodedCond{field: c.Field, op: c.Op}
	if c.Op == CondAbsent {
		return ec, nil
	}
	raw, err := json.Marshal(c.Value)
	if err != nil {
		return ec, fmt.Errorf("failed to encode condition on %s: %w", c.Field, err)
	}
	ec.value = raw
	return ec, nil
}

// holds evaluates the condition against a stored field value.
func (ec encodedCond) holds(cur json.RawMessage, present bool) bool {
	absent := !present || string(cur) == "null"
	switch ec.op {
	case CondEquals:
		return present && string(cur) == string(ec.value)
	case CondNotEquals:
		return !present || string(cur) != string(ec.value)
	case CondAbsent:
		return absent
	}
	return false
}

// Batch groups updates that must be applied all-or-nothing.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	path   string
	fields map[string]any
	conds  []Condition
}

func NewBatch() *Batch {
	return &Batch{}
}

// Update queues an update with the same semantics as Channel.Update.
func (b *Batch) Update(path string, fields map[string]any, conds ...Condition) *Batch {
	b.ops = append(b.ops, batchOp{path: path, fields: fields, conds: conds})
	return b
}

// Len returns the number of queued updates.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the collection a document path belongs to.
func Parent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Base returns the last segment of a path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return apperrors.InvalidInputError(fmt.Sprintf("invalid signaling path %q", path))
	}
	return nil
}

// encodeFields turns a struct or map into per-field JSON values.
func encodeFields(value any) (map[string]json.RawMessage, error) {
	if m, ok := value.(map[string]any); ok {
		return encodeFieldMap(m)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("document must encode to a JSON object: %w", err)
	}
	for k := range fields {
		if isReserved(k) {
			return nil, apperrors.InvalidInputError(fmt.Sprintf("field %q is reserved", k))
		}
	}
	return fields, nil
}

func encodeFieldMap(m map[string]any) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		if isReserved(k) {
			return nil, apperrors.InvalidInputError(fmt.Sprintf("field %q is reserved", k))
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", k, err)
		}
		fields[k] = raw
	}
	return fields, nil
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isReserved(field string) bool {
	return field == fieldVersion || field == fieldUpdatedAt
}
