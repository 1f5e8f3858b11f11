package ts

import (
	"sort"
	"sync"
	"time"
)

type TransactionState int

const (
	Pending TransactionState = iota
	Acknowledged
	Abandoned
)

func (s TransactionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acknowledged:
		return "acknowledged"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Transaction tracks one sent event until it is acked or given up on.
type Transaction struct {
	ID        uint64
	Event     Event
	CreatedAt time.Time
	AckedAt   time.Time
	State     TransactionState
}

// TransactionTable stores outgoing transactions by id.
type TransactionTable struct {
	mu      sync.RWMutex
	next    uint64
	step    uint64
	timeout time.Duration
	maxKept int
	maxOpen int
	pending int
	items   map[uint64]*Transaction
	settled []uint64
}

func NewTransactionTable(cfg Config) *TransactionTable {
	cfg = cfg.normalized()
	return &TransactionTable{
		next:    cfg.FirstTxID,
		step:    cfg.TxIDStep,
		timeout: cfg.TransactionTimeout,
		maxKept: cfg.MaxTrackedTransactions,
		maxOpen: cfg.MaxPendingTransactions,
		items:   make(map[uint64]*Transaction),
	}
}

// Begin allocates the next id and records ev as pending. evicted counts the
// oldest pending transactions abandoned to stay within the pending bound.
func (t *TransactionTable) Begin(ev Event, at time.Time) (id uint64, evicted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id = t.next
	t.next += t.step
	t.items[id] = &Transaction{
		ID:        id,
		Event:     ev,
		CreatedAt: at,
		State:     Pending,
	}
	t.pending++
	for t.pending > t.maxOpen {
		t.abandon(t.oldestPending(id))
		evicted++
	}
	return id, evicted
}

// oldestPending returns the pending transaction created first, ignoring skip.
// Caller holds mu.
func (t *TransactionTable) oldestPending(skip uint64) uint64 {
	var oldest *Transaction
	for _, item := range t.items {
		if item.State != Pending || item.ID == skip {
			continue
		}
		if oldest == nil || item.CreatedAt.Before(oldest.CreatedAt) ||
			(item.CreatedAt.Equal(oldest.CreatedAt) && item.ID < oldest.ID) {
			oldest = item
		}
	}
	return oldest.ID
}

// abandon settles one pending transaction. Caller holds mu.
func (t *TransactionTable) abandon(id uint64) {
	t.items[id].State = Abandoned
	t.pending--
	t.settle(id)
}

// Cancel forgets a transaction whose event never left.
func (t *TransactionTable) Cancel(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[id]; ok && item.State == Pending {
		t.pending--
	}
	delete(t.items, id)
}

// Ack marks a pending transaction acknowledged. It reports false for ids that
// are unknown or already settled.
func (t *TransactionTable) Ack(id uint64, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok || item.State != Pending {
		return false
	}
	item.State = Acknowledged
	item.AckedAt = at
	t.pending--
	t.settle(id)
	return true
}

// Expire abandons pending transactions older than the timeout and returns how
// many changed state.
func (t *TransactionTable) Expire(now time.Time) int {
	if t.timeout <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, item := range t.items {
		if item.State == Pending && now.Sub(item.CreatedAt) >= t.timeout {
			t.abandon(id)
			n++
		}
	}
	return n
}

// AbandonAll settles every pending transaction as abandoned.
func (t *TransactionTable) AbandonAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, item := range t.items {
		if item.State == Pending {
			t.abandon(id)
			n++
		}
	}
	return n
}

// settle records a terminal transaction and prunes the oldest settled ones
// beyond the retention bound. Caller holds mu.
func (t *TransactionTable) settle(id uint64) {
	t.settled = append(t.settled, id)
	for len(t.settled) > t.maxKept {
		delete(t.items, t.settled[0])
		t.settled = t.settled[1:]
	}
}

func (t *TransactionTable) Get(id uint64) (Transaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[id]
	if !ok {
		return Transaction{}, false
	}
	return *item, true
}

// List returns a snapshot ordered by id.
func (t *TransactionTable) List() []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transaction, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *TransactionTable) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending
}
