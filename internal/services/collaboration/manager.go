package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"docsync/internal/models"
	"docsync/internal/replication"
)

// ErrTabNotFound is returned for unknown tab ids.
var ErrTabNotFound = errors.New("tab not found")

// StorageFactory yields a fresh storage handle for a new tab. Each tab gets
// its own handle so that tabs are notified of each other's writes.
type StorageFactory func(ctx context.Context) (replication.Storage, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout closes tabs that have not been edited for d. Zero
// disables idle cleanup.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithCleanupInterval sets how often idle tabs are looked for.
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cleanupInterval = d
	}
}

// WithTabOptions applies opts to every tab the manager opens.
func WithTabOptions(opts ...TabOption) ManagerOption {
	return func(m *Manager) {
		m.tabOpts = append(m.tabOpts, opts...)
	}
}

// Manager keeps track of the open tabs of this process.
type Manager struct {
	factory         StorageFactory
	tabOpts         []TabOption
	idleTimeout     time.Duration
	cleanupInterval time.Duration

	tabs map[string]*Tab
	mu   sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager that opens tabs on handles from factory.
func NewManager(factory StorageFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:         factory,
		cleanupInterval: 30 * time.Second,
		tabs:            make(map[string]*Tab),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the idle cleanup loop until Shutdown.
func (m *Manager) Start() {
	if m.idleTimeout <= 0 {
		log.Println("✓ Tab manager started (idle cleanup disabled)")
		return
	}
	m.wg.Add(1)
	go m.cleanupLoop()
	log.Printf("✓ Tab manager started (idle timeout %s)", m.idleTimeout)
}

// Open opens a new tab.
func (m *Manager) Open(ctx context.Context, opts ...TabOption) (*Tab, error) {
	select {
	case <-m.done:
		return nil, fmt.Errorf("tab manager is shut down")
	default:
	}

	store, err := m.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage handle: %w", err)
	}

	all := make([]TabOption, 0, len(m.tabOpts)+len(opts))
	all = append(all, m.tabOpts...)
	all = append(all, opts...)
	tab, err := OpenTab(ctx, store, all...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tabs[tab.ID()] = tab
	total := len(m.tabs)
	m.mu.Unlock()

	log.Printf("  Tab %s registered (total: %d tabs)", tab.ID(), total)
	return tab, nil
}

// Get returns the open tab with the given id.
func (m *Manager) Get(id string) (*Tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tab, ok := m.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	return tab, nil
}

// List returns metadata of every open tab, oldest first.
func (m *Manager) List() []models.Tab {
	m.mu.RLock()
	out := make([]models.Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		out = append(out, tab.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Close closes and forgets one tab.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	tab, ok := m.tabs[id]
	delete(m.tabs, id)
	remaining := len(m.tabs)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	err := tab.Close(ctx)
	log.Printf("  Tab %s unregistered (remaining: %d tabs)", id, remaining)
	return err
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.cleanup(now)
		}
	}
}

// cleanup closes tabs idle for longer than the idle timeout.
func (m *Manager) cleanup(now time.Time) {
	m.mu.RLock()
	var stale []string
	for id, tab := range m.tabs {
		if now.Sub(tab.Info().LastActiveAt) > m.idleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		log.Printf("  Cleaning up idle tab %s", id)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, ErrTabNotFound) {
			log.Printf("⚠️  Failed to close idle tab %s: %v", id, err)
		}
		cancel()
	}
}

// Shutdown stops the cleanup loop and closes every tab, so that each one
// removes itself from the shared participant list.
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down tab manager...")
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	tabs := m.tabs
	m.tabs = make(map[string]*Tab)
	m.mu.Unlock()

	var errs []error
	for id, tab := range tabs {
		if err := tab.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tab %s: %w", id, err))
		}
	}
	log.Println("✓ Tab manager shutdown complete")
	return errors.Join(errs...)
}
