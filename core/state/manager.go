package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nhblend/storage"
)

// ErrReadOnly is returned when a write is attempted inside a View.
var ErrReadOnly = errors.New("kv: read-only transaction")

// KV is the RLP-backed key/value surface handed to state transitions. All
// reads observe the writes made earlier in the same transaction.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Manager owns the backing database and hands out transactions. Update
// transactions are serialised; a transaction that returns an error leaves the
// database untouched.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Update runs fn against a buffered overlay and commits every write it made as
// one storage batch once fn returns nil.
func (m *Manager) Update(fn func(KV) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("kv: manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newTx(m.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return m.db.Write(tx.batch())
}

// View runs fn against a read-only snapshot of committed state.
func (m *Manager) View(fn func(KV) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("kv: manager not initialised")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m.db, true))
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Tx is a write-buffering transaction. A nil entry in writes marks a delete.
type Tx struct {
	db       storage.Database
	readOnly bool
	writes   map[string][]byte
	order    []string
}

func newTx(db storage.Database, readOnly bool) *Tx {
	return &Tx{db: db, readOnly: readOnly, writes: make(map[string][]byte)}
}

func (tx *Tx) raw(hashed []byte) ([]byte, error) {
	if value, ok := tx.writes[string(hashed)]; ok {
		return value, nil
	}
	data, err := tx.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (tx *Tx) set(hashed []byte, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	k := string(hashed)
	if _, seen := tx.writes[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = value
	return nil
}

func (tx *Tx) batch() *storage.Batch {
	b := new(storage.Batch)
	for _, k := range tx.order {
		value := tx.writes[k]
		if value == nil {
			b.Delete([]byte(k))
			continue
		}
		b.Put([]byte(k), value)
	}
	return b
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.set(kvKey(key), encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.raw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *Tx) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return tx.set(kvKey(key), nil)
}

func (tx *Tx) loadList(hashed []byte) ([][]byte, error) {
	data, err := tx.raw(hashed)
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// KVAppend appends value to the byte-slice list stored under key. Duplicates
// are ignored so the index stays deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	list, err := tx.loadList(hashed)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return tx.set(hashed, encoded)
}

// KVRemove drops value from the list stored under key, if present.
func (tx *Tx) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	list, err := tx.loadList(hashed)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(kept)
	if err != nil {
		return err
	}
	return tx.set(hashed, encoded)
}

// KVGetList decodes the list stored under key into the slice pointed to by
// out. A missing key yields an empty slice.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.raw(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
