// Package remote defines the external collaborators of the feed engine: the remote
// document store, object storage and the authenticated user, plus in-process and
// database-backed implementations of them.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// DocumentID selects documents by their id in BatchGet.
const DocumentID = "__id__"

// FieldCreatedAt is the timestamp field every ordered collection carries.
const FieldCreatedAt = "createdAt"

// MaxBatchValues is the largest value list a single BatchGet accepts.
const MaxBatchValues = 10

var (
	// ErrDocumentNotFound is returned by Update when the document does not exist.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrBatchLimit is returned by BatchGet when more than MaxBatchValues values are given.
	ErrBatchLimit = errors.New("batch lookup exceeds 10 values")
)

// Document is a schemaless remote record.
type Document struct {
	ID   string
	Data map[string]any
}

// Anchor is the position after which a query resumes.
type Anchor struct {
	CreatedAt time.Time
	ID        string
}

// Filter matches documents whose string field equals Value.
type Filter struct {
	Field string
	Value string
}

// Query selects documents of a collection ordered by createdAt DESC, then id DESC.
type Query struct {
	Collection string
	Where      []Filter
	After      *Anchor
	Limit      int
}

func (q *Query) matches(doc *Document) bool {
	for _, f := range q.Where {
		if doc.String(f.Field) != f.Value {
			return false
		}
	}
	return true
}

// Tx is the document API available inside RunTransaction.
type Tx interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Set(ctx context.Context, collection, id string, fields map[string]any, merge bool) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

// DocumentStore is the remote document database.
type DocumentStore interface {
	Tx
	Query(ctx context.Context, q Query) ([]Document, error)
	BatchGet(ctx context.Context, collection, field string, values []string) ([]Document, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ObjectStorage stores uploaded media and returns a download URL.
type ObjectStorage interface {
	Upload(ctx context.Context, path string, content io.Reader) (string, error)
}

// Authenticator reports the currently authenticated user.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

// String returns a string field, or "" when missing or not a string.
func (d *Document) String(key string) string {
	if s, ok := d.Data[key].(string); ok {
		return s
	}
	return ""
}

// Has reports whether the field is present and non-null.
func (d *Document) Has(key string) bool {
	v, ok := d.Data[key]
	return ok && v != nil
}

// Int returns a numeric field as an int.
func (d *Document) Int(key string) int {
	switch v := d.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Bool returns a boolean field.
func (d *Document) Bool(key string) bool {
	b, _ := d.Data[key].(bool)
	return b
}

// Time returns a timestamp field stored either as time.Time or RFC 3339 text.
func (d *Document) Time(key string) time.Time {
	switch v := d.Data[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// Strings returns a list field. A newline-delimited string is accepted as well.
func (d *Document) Strings(key string) []string {
	out := []string{}
	switch v := d.Data[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, "\n") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// normalize round-trips document data through JSON so every store hands back the same
// value shapes: float64 numbers, RFC 3339 timestamps and []any lists.
func normalize(fields map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func merged(base, fields map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func orderedAt(data map[string]any) time.Time {
	d := Document{Data: data}
	return d.Time(FieldCreatedAt).UTC()
}

// before reports whether (t, id) sorts after the anchor in createdAt DESC, id DESC order.
func (a *Anchor) before(t time.Time, id string) bool {
	at := a.CreatedAt.UTC()
	if t.Before(at) {
		return true
	}
	return t.Equal(at) && id < a.ID
}

func validateBatch(values []string) error {
	if len(values) > MaxBatchValues {
		return ErrBatchLimit
	}
	return nil
}
