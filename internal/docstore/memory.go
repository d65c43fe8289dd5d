package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// MemoryStore is an in-process Store. It uses the same object id format as
// MongoStore and records the number of calls per operation, which tests use
// to assert that an operation performed no I/O.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string][]Document
	calls       map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]Document),
		calls:       make(map[string]int),
	}
}

// Calls returns the number of times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of I/O operations invoked.
func (m *MemoryStore) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// Collection returns copies of every document in the collection.
func (m *MemoryStore) Collection(name string) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Document, 0, len(m.collections[name]))
	for _, d := range m.collections[name] {
		out = append(out, Clone(d))
	}
	return out
}

func (m *MemoryStore) ValidID(id string) bool {
	_, err := bson.ObjectIDFromHex(id)
	return err == nil
}

func (m *MemoryStore) NewID() string {
	return bson.NewObjectID().Hex()
}

func (m *MemoryStore) record(op string) {
	m.calls[op]++
}

func (m *MemoryStore) indexOf(collection, id string) int {
	for i, d := range m.collections[collection] {
		if d[IDField] == id {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("insert")

	stored := Clone(doc)
	id, _ := stored[IDField].(string)
	if id == "" {
		id = m.NewID()
		stored[IDField] = id
	}
	if m.indexOf(collection, id) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.collections[collection] = append(m.collections[collection], stored)
	return Clone(stored), nil
}

func (m *MemoryStore) InsertIfAbsent(ctx context.Context, collection string, doc Document) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("insert_if_absent")

	id, _ := doc[IDField].(string)
	if id == "" {
		return false, fmt.Errorf("insert if absent: document has no id")
	}
	if m.indexOf(collection, id) >= 0 {
		return false, nil
	}
	m.collections[collection] = append(m.collections[collection], Clone(doc))
	return true, nil
}

func (m *MemoryStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("find_one")

	for _, d := range m.collections[collection] {
		if Matches(d, filter) {
			return Clone(d), true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("find")

	var out []Document
	for _, d := range m.collections[collection] {
		if Matches(d, filter) {
			out = append(out, Clone(d))
		}
	}
	if len(opts.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range opts.Sort {
				c := compare(out[i][s.Field], out[j][s.Field])
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(out)) {
			return []Document{}, nil
		}
		out = out[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < int64(len(out)) {
		out = out[:opts.Limit]
	}
	if out == nil {
		out = []Document{}
	}
	return out, nil
}

func (m *MemoryStore) UpdateOne(ctx context.Context, collection string, filter Filter, set Document) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("update_one")

	for _, d := range m.collections[collection] {
		if Matches(d, filter) {
			for k, v := range set {
				d[k] = v
			}
			return Clone(d), true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete_one")

	docs := m.collections[collection]
	for i, d := range docs {
		if Matches(d, filter) {
			m.collections[collection] = append(docs[:i:i], docs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("count")

	var n int64
	for _, d := range m.collections[collection] {
		if Matches(d, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list_collections")

	var names []string
	for name := range m.collections {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DropCollection(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("drop_collection")
	delete(m.collections, collection)
	return nil
}

// compare orders scalar values of the same kind. Mixed kinds compare by
// their string form.
func compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
