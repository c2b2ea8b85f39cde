package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
)

// BadgerStore implements the Backend interface using Badger. It exists as
// the legacy delegate of the migration pair: the repository reads from it
// when the primary store misses, but routes no new writes to it (tests and
// migration tooling write through Update directly).
type BadgerStore struct {
	db   *badger.DB
	path string
}

// BadgerConfig holds Badger store configuration.
type BadgerConfig struct {
	Path string
	// InMemory runs the store without files; used by tests.
	InMemory bool
}

// NewBadgerStore creates a new Badger store instance.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("database path is required")
	}
	s := &BadgerStore{path: cfg.Path}
	if cfg.InMemory {
		s.path = ""
	}
	return s, nil
}

// Init opens the Badger database.
func (s *BadgerStore) Init(_ context.Context) error {
	opts := badger.DefaultOptions(s.path).WithLogger(nil)
	if s.path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open badger database: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the Badger database.
func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is open.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

// Key namespaces. The separator never appears in the namespace prefix, so
// trimming the prefix always yields the member/field verbatim.
func recordKey(key, field string) []byte { return []byte("r|" + key + "|" + field) }
func setKey(key, member string) []byte   { return []byte("s|" + key + "|" + member) }
func indexKey(key, member string) []byte { return []byte("z|" + key + "|" + member) }
func listKey(key string) []byte          { return []byte("l|" + key) }
func plainKey(key string) []byte         { return []byte("k|" + key) }

// Update runs fn inside one Badger transaction.
func (s *BadgerStore) Update(_ context.Context, fn func(tx Tx) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
	if err != nil && !isCallerError(err) {
		return NewStoreError("tx", "", err)
	}
	return err
}

// isCallerError distinguishes errors surfaced by the callback (already
// typed) from Badger's own transaction failures.
func isCallerError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) || errors.Is(err, ErrKeyNotFound)
}

// RecordExists reports whether a record has any fields.
func (s *BadgerStore) RecordExists(_ context.Context, key string) (bool, error) {
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIteratorOptions(recordPrefix(key)))
		defer it.Close()
		it.Rewind()
		exists = it.Valid()
		return nil
	})
	if err != nil {
		return false, NewStoreError("records.exists", key, err)
	}
	return exists, nil
}

// GetRecord retrieves all fields of a record.
func (s *BadgerStore) GetRecord(_ context.Context, key string) (map[string]string, error) {
	record := map[string]string{}
	prefix := recordPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIteratorOptions(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			field := strings.TrimPrefix(string(item.Key()), string(prefix))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			record[field] = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, NewStoreError("records.get", key, err)
	}
	return record, nil
}

// GetRecordField retrieves a single record field.
func (s *BadgerStore) GetRecordField(_ context.Context, key, field string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key, field))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", NewStoreError("records.getField", key, err)
	}
	return value, nil
}

// SetMembers retrieves all members of an unordered set.
func (s *BadgerStore) SetMembers(_ context.Context, key string) ([]string, error) {
	members := []string{}
	prefix := []byte("s|" + key + "|")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIteratorOptions(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			members = append(members, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, NewStoreError("sets.members", key, err)
	}
	return members, nil
}

// IndexMembers retrieves scored-index members ordered by score.
func (s *BadgerStore) IndexMembers(_ context.Context, key string, reverse bool) ([]string, error) {
	type scored struct {
		member string
		score  float64
	}
	entries := []scored{}
	prefix := []byte("z|" + key + "|")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIteratorOptions(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			member := strings.TrimPrefix(string(item.Key()), string(prefix))
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			score, err := strconv.ParseFloat(string(raw), 64)
			if err != nil {
				return err
			}
			entries = append(entries, scored{member: member, score: score})
		}
		return nil
	})
	if err != nil {
		return nil, NewStoreError("index.members", key, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if reverse {
			return entries[i].score > entries[j].score
		}
		return entries[i].score < entries[j].score
	})

	members := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members, nil
}

// ListMembers retrieves ordered-list members in position order.
func (s *BadgerStore) ListMembers(_ context.Context, key string) ([]string, error) {
	members := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(listKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &members)
	})
	if err != nil {
		return nil, NewStoreError("lists.members", key, err)
	}
	return members, nil
}

// Get retrieves a plain key/value entry.
func (s *BadgerStore) Get(_ context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(plainKey(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", NewStoreError("kv.get", key, err)
	}
	return value, nil
}

func recordPrefix(key string) []byte {
	return []byte("r|" + key + "|")
}

func prefixIteratorOptions(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return opts
}

// badgerTx implements Tx over one *badger.Txn.
type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) SetRecordFields(key string, fields map[string]string) error {
	for field, value := range fields {
		if err := t.txn.Set(recordKey(key, field), []byte(value)); err != nil {
			return NewStoreError("records.set", key, err)
		}
	}
	return nil
}

func (t *badgerTx) DeleteRecordFields(key string, fields ...string) error {
	for _, field := range fields {
		if err := t.txn.Delete(recordKey(key, field)); err != nil {
			return NewStoreError("records.deleteFields", key, err)
		}
	}
	return nil
}

func (t *badgerTx) DeleteRecord(key string) error {
	prefix := recordPrefix(key)
	it := t.txn.NewIterator(prefixIteratorOptions(prefix))
	keys := [][]byte{}
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return NewStoreError("records.delete", key, err)
		}
	}
	return nil
}

func (t *badgerTx) SetAdd(key string, members ...string) error {
	for _, member := range members {
		if err := t.txn.Set(setKey(key, member), nil); err != nil {
			return NewStoreError("sets.add", key, err)
		}
	}
	return nil
}

func (t *badgerTx) SetRemove(key string, members ...string) error {
	for _, member := range members {
		if err := t.txn.Delete(setKey(key, member)); err != nil {
			return NewStoreError("sets.remove", key, err)
		}
	}
	return nil
}

func (t *badgerTx) IndexAdd(key, member string, score float64) error {
	value := strconv.FormatFloat(score, 'f', -1, 64)
	if err := t.txn.Set(indexKey(key, member), []byte(value)); err != nil {
		return NewStoreError("index.add", key, err)
	}
	return nil
}

func (t *badgerTx) IndexRemove(key, member string) error {
	if err := t.txn.Delete(indexKey(key, member)); err != nil {
		return NewStoreError("index.remove", key, err)
	}
	return nil
}

func (t *badgerTx) ListReplace(key string, members []string) error {
	raw, err := json.Marshal(members)
	if err != nil {
		return NewStoreError("lists.replace", key, err)
	}
	if err := t.txn.Set(listKey(key), raw); err != nil {
		return NewStoreError("lists.replace", key, err)
	}
	return nil
}

func (t *badgerTx) ListInsert(key, pivot, member string, before bool) error {
	members, err := t.readList(key)
	if err != nil {
		return err
	}

	pivotIdx := -1
	for i, m := range members {
		if m == pivot {
			pivotIdx = i
			break
		}
	}
	if pivotIdx < 0 {
		return ErrKeyNotFound
	}

	insertIdx := pivotIdx
	if !before {
		insertIdx = pivotIdx + 1
	}
	members = append(members[:insertIdx], append([]string{member}, members[insertIdx:]...)...)
	return t.ListReplace(key, members)
}

func (t *badgerTx) ListRemove(key, member string) error {
	members, err := t.readList(key)
	if err != nil {
		return err
	}

	filtered := members[:0]
	for _, m := range members {
		if m != member {
			filtered = append(filtered, m)
		}
	}
	return t.ListReplace(key, filtered)
}

func (t *badgerTx) readList(key string) ([]string, error) {
	members := []string{}
	item, err := t.txn.Get(listKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return members, nil
	}
	if err != nil {
		return nil, NewStoreError("lists.read", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, NewStoreError("lists.read", key, err)
	}
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, NewStoreError("lists.read", key, err)
	}
	return members, nil
}

func (t *badgerTx) Put(key, value string) error {
	if err := t.txn.Set(plainKey(key), []byte(value)); err != nil {
		return NewStoreError("kv.put", key, err)
	}
	return nil
}

func (t *badgerTx) Delete(key string) error {
	if err := t.txn.Delete(plainKey(key)); err != nil {
		return NewStoreError("kv.delete", key, err)
	}
	return nil
}
