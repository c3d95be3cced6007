package docbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/docsync/internal/lease"
)

// ManagerOptions configure a Manager. Broker is the template every opened
// document starts from; its Key is replaced per document.
type ManagerOptions struct {
	Broker   Options
	Leases   lease.Manager
	LeaseTTL time.Duration
	Logger   Logger
}

type managedDoc struct {
	ready  chan struct{}
	broker *Broker
	err    error
}

// Manager keeps exactly one live Broker per storage key. Documents with
// distinct keys open and run independently.
type Manager struct {
	opts ManagerOptions

	mu   sync.Mutex
	docs map[string]*managedDoc
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Leases == nil {
		opts.Leases = lease.NewInMemoryManager()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = lease.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = opts.Broker.Logger
	}
	return &Manager{opts: opts, docs: map[string]*managedDoc{}}
}

// Open returns the live broker for key, loading the document if nobody has
// it open yet. Concurrent opens of one key share a single load.
func (m *Manager) Open(ctx context.Context, key string) (*Broker, error) {
	m.mu.Lock()
	if doc, ok := m.docs[key]; ok {
		m.mu.Unlock()
		select {
		case <-doc.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if doc.err != nil {
			return nil, doc.err
		}
		return doc.broker, nil
	}
	doc := &managedDoc{ready: make(chan struct{})}
	m.docs[key] = doc
	m.mu.Unlock()

	broker, held, err := m.open(ctx, key)
	doc.broker, doc.err = broker, err
	close(doc.ready)
	if err != nil {
		m.remove(key, doc)
		return nil, err
	}
	go m.supervise(key, doc, held)
	return broker, nil
}

func (m *Manager) open(ctx context.Context, key string) (*Broker, *lease.Lease, error) {
	held, err := m.opts.Leases.Acquire(ctx, key, m.opts.LeaseTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("lease %s: %w", redactKey(key), err)
	}
	opts := m.opts.Broker
	opts.Key = key
	broker, err := NewBroker(opts)
	if err == nil {
		err = broker.Open(ctx)
	}
	if err != nil {
		_ = m.opts.Leases.Release(context.Background(), held)
		return nil, nil, err
	}
	return broker, held, nil
}

// supervise renews the document lease until the broker closes. Losing the
// lease means another owner may load the document, so the broker is
// disconnected.
func (m *Manager) supervise(key string, doc *managedDoc, held *lease.Lease) {
	interval := m.opts.LeaseTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-doc.broker.Done():
			if err := m.opts.Leases.Release(context.Background(), held); err != nil {
				m.logf("docbroker %s: release lease failed: %v", redactKey(key), err)
			}
			m.remove(key, doc)
			return
		case <-ticker.C:
			renewed, err := m.opts.Leases.Renew(context.Background(), held, m.opts.LeaseTTL)
			if err != nil {
				m.logf("docbroker %s: renew lease failed: %v", redactKey(key), err)
				if errors.Is(err, lease.ErrConflict) {
					_ = doc.broker.Disconnect()
				}
				continue
			}
			held = renewed
		}
	}
}

func (m *Manager) remove(key string, doc *managedDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[key] == doc {
		delete(m.docs, key)
	}
}

// Get returns the live broker for key without loading it.
func (m *Manager) Get(key string) (*Broker, bool) {
	m.mu.Lock()
	doc, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-doc.ready:
	default:
		return nil, false
	}
	if doc.err != nil {
		return nil, false
	}
	return doc.broker, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// CloseAll disconnects every live document and waits for them to finish
// their teardown stores.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	brokers := make([]*Broker, 0, len(m.docs))
	for _, doc := range m.docs {
		select {
		case <-doc.ready:
			if doc.err == nil {
				brokers = append(brokers, doc.broker)
			}
		default:
		}
	}
	m.mu.Unlock()

	for _, b := range brokers {
		if err := b.Disconnect(); err != nil && !errors.Is(err, ErrClosed) {
			m.logf("docbroker %s: disconnect failed: %v", redactKey(b.Key()), err)
		}
	}
	for _, b := range brokers {
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.Logger == nil {
		return
	}
	m.opts.Logger.Printf(format, args...)
}
