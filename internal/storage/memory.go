package storage

import (
	"context"
	"sort"
	"sync"
)

// table is the in-memory image shared by the memory and file drivers.
type table map[string]map[string][]byte

func newTable() table {
	return table{
		PartitionJobs:     map[string][]byte{},
		PartitionTriggers: map[string][]byte{},
	}
}

// op is one committed mutation. The file driver journals these verbatim.
type op struct {
	Op        string `json:"op"` // "put" | "del"
	Partition string `json:"p"`
	Key       string `json:"k"`
	Value     []byte `json:"v,omitempty"`
}

func (t table) apply(ops []op) {
	for _, o := range ops {
		part := t[o.Partition]
		if part == nil {
			part = map[string][]byte{}
			t[o.Partition] = part
		}
		switch o.Op {
		case "put":
			part[o.Key] = o.Value
		case "del":
			delete(part, o.Key)
		}
	}
}

type overlayEntry struct {
	value   []byte
	deleted bool
}

// memTx buffers writes until commit; reads see the tx's own writes first.
type memTx struct {
	base     table
	overlay  map[string]map[string]overlayEntry
	ops      []op
	readOnly bool
}

func newMemTx(base table, readOnly bool) *memTx {
	return &memTx{base: base, overlay: map[string]map[string]overlayEntry{}, readOnly: readOnly}
}

func (tx *memTx) Get(partition, key string) ([]byte, bool, error) {
	if err := checkRecord(partition, key); err != nil {
		return nil, false, err
	}
	if e, ok := tx.overlay[partition][key]; ok {
		if e.deleted {
			return nil, false, nil
		}
		return clone(e.value), true, nil
	}
	v, ok := tx.base[partition][key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (tx *memTx) Put(partition, key string, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if err := checkRecord(partition, key); err != nil {
		return err
	}
	v := clone(value)
	tx.set(partition, key, overlayEntry{value: v})
	tx.ops = append(tx.ops, op{Op: "put", Partition: partition, Key: key, Value: v})
	return nil
}

func (tx *memTx) Delete(partition, key string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if err := checkRecord(partition, key); err != nil {
		return err
	}
	tx.set(partition, key, overlayEntry{deleted: true})
	tx.ops = append(tx.ops, op{Op: "del", Partition: partition, Key: key})
	return nil
}

func (tx *memTx) Scan(partition string) ([]Record, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}
	merged := make(map[string][]byte, len(tx.base[partition]))
	for k, v := range tx.base[partition] {
		merged[k] = v
	}
	for k, e := range tx.overlay[partition] {
		if e.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = e.value
	}
	out := make([]Record, 0, len(merged))
	for k, v := range merged {
		out = append(out, Record{Key: k, Value: clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (tx *memTx) set(partition, key string, e overlayEntry) {
	m := tx.overlay[partition]
	if m == nil {
		m = map[string]overlayEntry{}
		tx.overlay[partition] = m
	}
	m[key] = e
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Memory is a process-local Store. Update transactions are serialized.
type Memory struct {
	mu     sync.RWMutex
	data   table
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newTable()}
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := newMemTx(m.data, false)
	if err := fn(tx); err != nil {
		return err
	}
	m.data.apply(tx.ops)
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(newMemTx(m.data, true))
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
