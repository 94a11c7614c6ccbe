package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Advertiser publishes one service instance.
type Advertiser interface {
	// Advertise registers the service, replacing any previous registration.
	Advertise(ctx context.Context, info *AccessoryInfo) error

	// Update replaces the TXT record of the running registration and
	// announces it.
	Update(info *AccessoryInfo) error

	// Stop withdraws the registration.
	Stop()
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL. Default: 120 seconds.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Advertiser Advertiser
	Info       AccessoryInfo

	// Heartbeat is the re-announce interval. Zero means DefaultHeartbeat.
	Heartbeat time.Duration

	Logger *slog.Logger
}

// Manager owns the advertised record and keeps it current.
type Manager struct {
	advertiser Advertiser
	heartbeat  time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	info    AccessoryInfo
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a stopped manager.
func NewManager(cfg ManagerConfig) *Manager {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := cfg.Info
	if info.ConfigNumber == 0 {
		info.ConfigNumber = 1
	}
	return &Manager{
		advertiser: cfg.Advertiser,
		heartbeat:  hb,
		logger:     logger,
		info:       info,
	}
}

// Info returns a copy of the advertised record.
func (m *Manager) Info() AccessoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Start registers the service and starts the heartbeat.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := ValidateInstanceName(m.info.Name); err != nil {
		return err
	}
	info := m.info
	if err := m.advertiser.Advertise(ctx, &info); err != nil {
		return err
	}
	m.logger.Info("advertising accessory", "name", info.Name, "id", info.DeviceID,
		"c#", info.ConfigNumber, "sf", info.StatusFlags())

	hbCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(hbCtx, m.done)
	return nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			info := m.info
			err := m.advertiser.Update(&info)
			m.mu.Unlock()
			if err != nil {
				m.logger.Warn("mdns heartbeat failed", "error", err)
			}
		}
	}
}

// Stop ends the heartbeat and withdraws the service.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	m.advertiser.Stop()
}

// SetPaired updates sf. The record is re-announced only on change.
func (m *Manager) SetPaired(paired bool) error {
	return m.change(func(info *AccessoryInfo) bool {
		if info.Paired == paired {
			return false
		}
		info.Paired = paired
		return true
	})
}

// SetConfigNumber updates c#. Zero is ignored.
func (m *Manager) SetConfigNumber(n uint32) error {
	return m.change(func(info *AccessoryInfo) bool {
		if n == 0 || info.ConfigNumber == n {
			return false
		}
		info.ConfigNumber = n
		return true
	})
}

func (m *Manager) change(fn func(*AccessoryInfo) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !fn(&m.info) {
		return nil
	}
	if !m.running {
		return nil
	}
	info := m.info
	m.logger.Info("advertisement updated", "c#", info.ConfigNumber, "sf", info.StatusFlags())
	return m.advertiser.Update(&info)
}
