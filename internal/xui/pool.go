package xui

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
)

// PoolConfig holds client pool settings
type PoolConfig struct {
	MaxIdleTime    time.Duration // drop cached sessions idle longer than this
	RequestTimeout time.Duration // per-request HTTP timeout
}

// DefaultPoolConfig returns sensible pool defaults
func DefaultPoolConfig() PoolConfig {
	timeout := 30 * time.Second
	if config.AppConfig != nil && config.AppConfig.PanelTimeoutSeconds > 0 {
		timeout = time.Duration(config.AppConfig.PanelTimeoutSeconds) * time.Second
	}
	return PoolConfig{
		MaxIdleTime:    10 * time.Minute,
		RequestTimeout: timeout,
	}
}

// pooledClient is one cached panel session together with the credentials
// it was built from, so credential changes invalidate it naturally
type pooledClient struct {
	client     *Client
	baseURL    string
	username   string
	password   string
	verifyTLS  bool
	lastUsedAt time.Time
}

func (p *pooledClient) matches(baseURL, username, password string, verifyTLS bool) bool {
	return p.baseURL == baseURL &&
		p.username == username &&
		p.password == password &&
		p.verifyTLS == verifyTLS
}

// ClientPool caches authenticated panel sessions by panel id. Logging in
// on every allocation would hammer the panels, so sessions are reused
// until the panel row changes or the session goes idle.
type ClientPool struct {
	mu      sync.RWMutex
	clients map[uint]*pooledClient
	cfg     PoolConfig

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClientPool creates a client pool and starts its janitor
func NewClientPool(cfg PoolConfig) *ClientPool {
	pool := &ClientPool{
		clients:  make(map[uint]*pooledClient),
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}

	pool.wg.Add(1)
	go pool.cleanupLoop()

	return pool
}

// Get returns a session for the panel, building one if the cache has
// none or the panel row changed since the cached session was built
func (p *ClientPool) Get(panel *models.Panel) (*Client, error) {
	password, err := security.Decrypt(panel.Password)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for panel %s: %w", panel.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cached, ok := p.clients[panel.ID]
	if ok && cached.matches(panel.BaseURL, panel.Username, password, panel.VerifyTLS) {
		cached.lastUsedAt = time.Now()
		return cached.client, nil
	}

	client := NewClient(panel.BaseURL, panel.Username, password, panel.VerifyTLS, p.cfg.RequestTimeout)
	p.clients[panel.ID] = &pooledClient{
		client:     client,
		baseURL:    panel.BaseURL,
		username:   panel.Username,
		password:   password,
		verifyTLS:  panel.VerifyTLS,
		lastUsedAt: time.Now(),
	}
	return client, nil
}

// Invalidate drops the cached session for a panel. Call after panel
// updates or deletes.
func (p *ClientPool) Invalidate(panelID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, panelID)
}

// InvalidateAll drops every cached session
func (p *ClientPool) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[uint]*pooledClient)
}

// cleanupLoop periodically drops idle sessions
func (p *ClientPool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stopChan:
			return
		}
	}
}

func (p *ClientPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, cached := range p.clients {
		if now.Sub(cached.lastUsedAt) > p.cfg.MaxIdleTime {
			delete(p.clients, id)
			log.Printf("Panel pool: dropped idle session for panel %d", id)
		}
	}
}

// Stop shuts down the pool
func (p *ClientPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}

// GetStats returns pool statistics
func (p *ClientPool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"cached_sessions": len(p.clients),
		"max_idle_time":   p.cfg.MaxIdleTime.String(),
	}
}

// Global pool instance
var (
	globalPool *ClientPool
	poolOnce   sync.Once
)

// GetPool returns the global client pool
func GetPool() *ClientPool {
	poolOnce.Do(func() {
		globalPool = NewClientPool(DefaultPoolConfig())
	})
	return globalPool
}
