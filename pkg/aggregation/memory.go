package aggregation

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

type memoryRow struct {
	blob    []byte
	version int64
}

// MemoryRepository keeps aggregates in process memory. Exchanges are stored
// through the codec, so what comes back is a copy with the same encoding
// limits as the SQL repository.
type MemoryRepository struct {
	mu        sync.Mutex
	codec     *codec.Codec
	inflight  map[string]memoryRow
	completed map[string]memoryRow
	returnOld bool
}

var (
	_ OptimisticRepository  = (*MemoryRepository)(nil)
	_ RecoverableRepository = (*MemoryRepository)(nil)
)

// NewMemoryRepository creates an empty repository. A nil codec uses codec defaults.
func NewMemoryRepository(cd *codec.Codec, returnOldExchange bool) (*MemoryRepository, error) {
	if cd == nil {
		var err error
		if cd, err = codec.New(); err != nil {
			return nil, err
		}
	}
	return &MemoryRepository{
		codec:     cd,
		inflight:  make(map[string]memoryRow),
		completed: make(map[string]memoryRow),
		returnOld: returnOldExchange,
	}, nil
}

// Add implements Repository.
func (m *MemoryRepository) Add(_ context.Context, key string, ex *exchange.Exchange) (*exchange.Exchange, error) {
	if err := validate(key, ex); err != nil {
		return nil, err
	}
	blob, err := m.codec.Marshal(ex)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prevRow, exists := m.inflight[key]
	previous, err := m.previous(prevRow, exists)
	if err != nil {
		return nil, err
	}
	m.inflight[key] = memoryRow{blob: blob, version: prevRow.version + 1}
	return previous, nil
}

// AddOptimistic implements OptimisticRepository.
func (m *MemoryRepository) AddOptimistic(_ context.Context, key string, old, ex *exchange.Exchange) (*exchange.Exchange, error) {
	if err := validate(key, ex); err != nil {
		return nil, err
	}
	blob, err := m.codec.Marshal(ex)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, exists := m.inflight[key]
	if old == nil {
		if exists {
			return nil, &OptimisticLockingError{Key: key}
		}
		m.inflight[key] = memoryRow{blob: blob, version: 1}
		return nil, nil
	}

	if !exists || row.version != old.Version() {
		return nil, &OptimisticLockingError{Key: key, Version: old.Version()}
	}
	previous, err := m.previous(row, exists)
	if err != nil {
		return nil, err
	}
	m.inflight[key] = memoryRow{blob: blob, version: row.version + 1}
	return previous, nil
}

func (m *MemoryRepository) previous(row memoryRow, exists bool) (*exchange.Exchange, error) {
	if !m.returnOld || !exists {
		return nil, nil
	}
	return m.decode(row)
}

func (m *MemoryRepository) decode(row memoryRow) (*exchange.Exchange, error) {
	ex, err := m.codec.Unmarshal(row.blob)
	if err != nil {
		return nil, err
	}
	return ex.WithVersion(row.version), nil
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, key string) (*exchange.Exchange, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	m.mu.Lock()
	row, ok := m.inflight[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.decode(row)
}

// Remove implements Repository. When ex carries a version it must match the
// stored row; an exchange without a version removes unconditionally.
func (m *MemoryRepository) Remove(_ context.Context, key string, ex *exchange.Exchange) error {
	if err := validate(key, ex); err != nil {
		return err
	}
	blob, err := m.codec.Marshal(ex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.inflight[key]
	if ex.Version() > 0 && (!ok || row.version != ex.Version()) {
		return &OptimisticLockingError{Key: key, Version: ex.Version()}
	}
	delete(m.inflight, key)
	m.completed[ex.ID()] = memoryRow{blob: blob, version: ex.Version()}
	return nil
}

// Confirm implements Repository.
func (m *MemoryRepository) Confirm(ctx context.Context, exchangeID string) error {
	_, err := m.ConfirmWithResult(ctx, exchangeID)
	return err
}

// ConfirmWithResult implements RecoverableRepository.
func (m *MemoryRepository) ConfirmWithResult(_ context.Context, exchangeID string) (bool, error) {
	if exchangeID == "" {
		return false, ErrKeyRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed[exchangeID]
	delete(m.completed, exchangeID)
	return ok, nil
}

// Scan implements RecoverableRepository.
func (m *MemoryRepository) Scan(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.completed), nil
}

// Recover implements RecoverableRepository.
func (m *MemoryRepository) Recover(_ context.Context, exchangeID string) (*exchange.Exchange, error) {
	if exchangeID == "" {
		return nil, ErrKeyRequired
	}
	m.mu.Lock()
	row, ok := m.completed[exchangeID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.decode(row)
}

// Keys implements Repository.
func (m *MemoryRepository) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.inflight), nil
}

func sortedKeys(rows map[string]memoryRow) []string {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
