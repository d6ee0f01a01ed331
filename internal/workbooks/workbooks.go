package workbooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/vinodismyname/xcelpivot/config"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
)

// maxCachedPivots bounds the built crosstabs kept per workbook handle.
const maxCachedPivots = 8

// Handle represents an in-memory workbook reference paired with metadata for
// TTL eviction and the crosstabs built over it.
type Handle struct {
	ID        string
	Path      string
	File      *excelize.File
	LoadedAt  time.Time
	ExpiresAt time.Time
	mu        sync.RWMutex
	version   int64

	pivotMu sync.Mutex
	pivots  map[string]*cachedPivot
	// retired pivots may still be read by in-flight calls; they close on
	// the next exclusive lock.
	retired []*cachedPivot
}

type cachedPivot struct {
	x        *crosstab.Crosstab
	src      io.Closer
	lastUsed time.Time
}

// WorkbookGate coordinates capacity for open workbook handles (backed by runtime.Controller).
type WorkbookGate interface {
	AcquireWorkbook(ctx context.Context) error
	ReleaseWorkbook()
}

// PathValidator abstracts filesystem path validation. Implementations
// return a canonical absolute path if allowed, or an error when denied.
type PathValidator interface {
	ValidateOpenPath(path string) (string, error)
}

// Manager caches open workbooks by handle ID and canonical path. Handles
// expire after an idle TTL; expiry closes the workbook and every crosstab
// cached on it.
type Manager struct {
	mu           sync.RWMutex
	handles      map[string]*Handle
	byPath       map[string]string
	ttl          time.Duration
	cleanupEvery time.Duration
	clock        func() time.Time
	gate         WorkbookGate
	stopCh       chan struct{}
	cleanupWG    sync.WaitGroup
	validator    PathValidator
	logger       zerolog.Logger
}

// NewManager constructs a lifecycle manager with TTL-bearing handle cache.
// Pass ttl or cleanupEvery <= 0 to use defaults from config.
// Gate can be nil for tests; clock defaults to time.Now when nil.
func NewManager(ttl, cleanupEvery time.Duration, gate WorkbookGate, clock func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = config.DefaultWorkbookIdleTTL
	}
	if cleanupEvery <= 0 {
		cleanupEvery = config.DefaultWorkbookCleanupPeriod
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		handles:      make(map[string]*Handle),
		byPath:       make(map[string]string),
		ttl:          ttl,
		cleanupEvery: cleanupEvery,
		clock:        clock,
		gate:         gate,
		stopCh:       make(chan struct{}),
		logger:       zerolog.Nop(),
	}
}

// SetValidator installs the path validator used by Open.
func (m *Manager) SetValidator(v PathValidator) { m.validator = v }

// SetLogger sets the logger used for eviction events.
func (m *Manager) SetLogger(l zerolog.Logger) { m.logger = l }

// Start launches periodic eviction of expired handles.
func (m *Manager) Start() {
	m.cleanupWG.Add(1)
	ticker := time.NewTicker(m.cleanupEvery)
	go func() {
		defer m.cleanupWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.EvictExpired()
			}
		}
	}()
}

// Close stops background cleanup and closes all open handles.
func (m *Manager) Close(ctx context.Context) error {
	close(m.stopCh)
	done := make(chan struct{})
	go func() { m.cleanupWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		_ = h.shut()
		m.forget(h)
		m.release()
	}
	return nil
}

// NewHandle initializes a Handle wrapper for an excelize workbook instance.
func (m *Manager) NewHandle(id string, file *excelize.File, ttl time.Duration) (*Handle, error) {
	if file == nil {
		return nil, fmt.Errorf("workbooks: nil excelize file")
	}
	if id == "" {
		return nil, fmt.Errorf("workbooks: empty handle id")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	loadedAt := m.clock()
	return &Handle{
		ID:        id,
		File:      file,
		LoadedAt:  loadedAt,
		ExpiresAt: loadedAt.Add(ttl),
		pivots:    make(map[string]*cachedPivot),
	}, nil
}

var (
	// ErrHandleNotFound indicates an unknown or expired handle ID.
	ErrHandleNotFound = errors.New("workbooks: handle not found")
	// ErrUnsupportedFormat indicates a file extension excelize cannot open.
	ErrUnsupportedFormat = errors.New("workbooks: unsupported format")
)

// Open opens a workbook from the given path, registers a TTL-bearing handle, and returns its ID.
// The manager enforces open-workbook capacity via the gate when provided.
func (m *Manager) Open(ctx context.Context, path string) (string, error) {
	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	canonical, err := m.canonical(path)
	if err != nil {
		m.release()
		return "", err
	}
	f, err := excelize.OpenFile(canonical)
	if err != nil {
		m.release()
		return "", err
	}
	h, err := m.NewHandle(uuid.NewString(), f, m.ttl)
	if err != nil {
		_ = f.Close()
		m.release()
		return "", err
	}
	h.Path = canonical

	m.mu.Lock()
	m.handles[h.ID] = h
	if _, taken := m.byPath[canonical]; !taken {
		m.byPath[canonical] = h.ID
	}
	m.mu.Unlock()
	return h.ID, nil
}

// GetOrOpenByPath returns the live handle for path, opening the workbook on
// first use. It returns the handle ID and the canonical path.
func (m *Manager) GetOrOpenByPath(ctx context.Context, path string) (string, string, error) {
	canonical, err := m.canonical(path)
	if err != nil {
		return "", "", err
	}
	if id, ok := m.lookupPath(canonical); ok {
		return id, canonical, nil
	}
	id, err := m.Open(ctx, canonical)
	if err != nil {
		return "", "", err
	}
	// A concurrent caller may have opened the same path; keep the first handle.
	m.mu.Lock()
	winner := m.byPath[canonical]
	if winner != id {
		m.mu.Unlock()
		_ = m.CloseHandle(ctx, id)
		return winner, canonical, nil
	}
	m.mu.Unlock()
	return id, canonical, nil
}

func (m *Manager) lookupPath(canonical string) (string, bool) {
	m.mu.RLock()
	id, ok := m.byPath[canonical]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	if _, ok := m.Get(id); !ok {
		return "", false
	}
	return id, true
}

func (m *Manager) canonical(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if m.validator != nil {
		return m.validator.ValidateOpenPath(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("workbooks: resolve %q: %w", path, err)
	}
	return abs, nil
}

// Adopt registers an existing excelize.File as a managed handle. Intended for tests or advanced flows.
func (m *Manager) Adopt(ctx context.Context, f *excelize.File) (string, error) {
	if f == nil {
		return "", fmt.Errorf("workbooks: nil file")
	}
	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	h, err := m.NewHandle(uuid.NewString(), f, m.ttl)
	if err != nil {
		m.release()
		return "", err
	}
	h.Path = f.Path
	m.mu.Lock()
	m.handles[h.ID] = h
	if h.Path != "" {
		m.byPath[h.Path] = h.ID
	}
	m.mu.Unlock()
	return h.ID, nil
}

// Get returns the handle when present and refreshes its TTL.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	// Refresh TTL on access (idle timeout semantics)
	now := m.clock()
	h.mu.Lock()
	h.ExpiresAt = now.Add(m.ttl)
	h.mu.Unlock()
	return h, true
}

// WithRead obtains a shared read lock for the handle and executes fn with
// the workbook and its current write version.
func (m *Manager) WithRead(id string, fn func(f *excelize.File, version int64) error) error {
	h, ok := m.Get(id)
	if !ok {
		return ErrHandleNotFound
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return fn(h.File, h.version)
}

// WithWrite obtains an exclusive write lock for the handle and executes fn.
// A successful write bumps the version and drops the cached crosstabs, whose
// sources may no longer match the sheet.
func (m *Manager) WithWrite(id string, fn func(*excelize.File) error) error {
	h, ok := m.Get(id)
	if !ok {
		return ErrHandleNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := fn(h.File); err != nil {
		return err
	}
	h.version++
	h.dropPivots()
	return nil
}

// CloseHandle closes and removes a handle by ID, releasing capacity via the gate.
func (m *Manager) CloseHandle(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		m.forget(h)
	}
	m.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}
	err := h.shut()
	m.release()
	return err
}

// forget drops h from both indexes. Callers hold m.mu.
func (m *Manager) forget(h *Handle) {
	delete(m.handles, h.ID)
	if m.byPath[h.Path] == h.ID {
		delete(m.byPath, h.Path)
	}
}

// EvictExpired scans for expired handles and closes them.
func (m *Manager) EvictExpired() {
	now := m.clock()
	var expired []*Handle

	m.mu.RLock()
	for _, h := range m.handles {
		if h.Expired(now) {
			expired = append(expired, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range expired {
		_ = h.shut()
		m.mu.Lock()
		m.forget(h)
		m.mu.Unlock()
		m.release()
		m.logger.Debug().Str("handle", h.ID).Str("path", h.Path).Msg("workbook handle evicted")
	}
}

// Count returns the current number of cached handles.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.gate == nil {
		return nil
	}
	return m.gate.AcquireWorkbook(ctx)
}

func (m *Manager) release() {
	if m.gate == nil {
		return
	}
	m.gate.ReleaseWorkbook()
}

// OpenPivotFunc creates a crosstab and the source it reads from.
type OpenPivotFunc func(f *excelize.File) (*crosstab.Crosstab, io.Closer, error)

// Crosstab returns the crosstab cached on the handle under key, creating it
// with open on a miss. Callers must hold the handle's read lock, which
// WithRead provides; the returned crosstab stays valid until the next write.
func (h *Handle) Crosstab(key string, now time.Time, open OpenPivotFunc) (*crosstab.Crosstab, error) {
	h.pivotMu.Lock()
	defer h.pivotMu.Unlock()
	if p, ok := h.pivots[key]; ok {
		p.lastUsed = now
		return p.x, nil
	}
	x, src, err := open(h.File)
	if err != nil {
		return nil, err
	}
	if len(h.pivots) >= maxCachedPivots {
		h.evictOldestPivot()
	}
	h.pivots[key] = &cachedPivot{x: x, src: src, lastUsed: now}
	return x, nil
}

// CachedPivots reports how many crosstabs are cached on the handle.
func (h *Handle) CachedPivots() int {
	h.pivotMu.Lock()
	defer h.pivotMu.Unlock()
	return len(h.pivots)
}

func (h *Handle) evictOldestPivot() {
	var oldest string
	var at time.Time
	for k, p := range h.pivots {
		if oldest == "" || p.lastUsed.Before(at) {
			oldest, at = k, p.lastUsed
		}
	}
	if p, ok := h.pivots[oldest]; ok {
		h.retired = append(h.retired, p)
		delete(h.pivots, oldest)
	}
}

func (h *Handle) dropPivots() {
	h.pivotMu.Lock()
	defer h.pivotMu.Unlock()
	for k, p := range h.pivots {
		p.close()
		delete(h.pivots, k)
	}
	for _, p := range h.retired {
		p.close()
	}
	h.retired = nil
}

func (p *cachedPivot) close() {
	_ = p.x.Close()
	if p.src != nil {
		_ = p.src.Close()
	}
}

// shut waits out readers and writers, then closes pivots and the workbook.
func (h *Handle) shut() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropPivots()
	return h.File.Close()
}

// Expired reports whether the handle has reached its TTL.
func (h *Handle) Expired(now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return now.After(h.ExpiresAt)
}
