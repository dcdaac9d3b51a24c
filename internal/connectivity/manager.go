package connectivity

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"devicehub-backend/config"
)

// ErrUnknownDevice is returned when a device id has no registered address.
var ErrUnknownDevice = errors.New("connectivity: unknown device")

// DeviceSource resolves device addresses and stores probe outcomes.
type DeviceSource interface {
	DeviceAddresses(ctx context.Context, ids []int64) (map[int64]string, error)
	UpdateConnectivity(ctx context.Context, deviceID int64, status bool, checkedAt time.Time) error
}

// Record is the latest probe outcome of one device.
type Record struct {
	DeviceID   int64      `json:"device_id"`
	Status     bool       `json:"status"`
	LastCheck  time.Time  `json:"last_check"`
	LastPing   *time.Time `json:"last_ping,omitempty"`
	Error      string     `json:"error,omitempty"`
	AgeSeconds float64    `json:"age_seconds"`
	Stale      bool       `json:"is_stale"`
}

// Manager owns the connectivity cache and the background probing of devices
// that are being looked at.
type Manager struct {
	cfg     config.ConnectivityConfig
	devices DeviceSource
	prober  Prober
	now     func() time.Time

	// records never expire on their own; staleness is derived from age.
	records *cache.Cache
	writeMu sync.Mutex

	activeMu sync.Mutex
	active   map[int64]time.Time
}

// NewManager creates a manager. Durations in cfg must already be resolved.
func NewManager(cfg config.ConnectivityConfig, devices DeviceSource, prober Prober) *Manager {
	return &Manager{
		cfg:     cfg,
		devices: devices,
		prober:  prober,
		now:     time.Now,
		records: cache.New(cache.NoExpiration, 0),
		active:  make(map[int64]time.Time),
	}
}

func cacheKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (m *Manager) annotate(rec Record) Record {
	age := m.now().Sub(rec.LastCheck)
	if age < 0 {
		age = 0
	}
	rec.AgeSeconds = age.Seconds()
	rec.Stale = age > m.cfg.TTL
	return rec
}

func (m *Manager) lookup(id int64) (Record, bool) {
	v, ok := m.records.Get(cacheKey(id))
	if !ok {
		return Record{}, false
	}
	return m.annotate(v.(Record)), true
}

// put stores rec unless a result that completed later is already cached.
func (m *Manager) put(rec Record) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if v, ok := m.records.Get(cacheKey(rec.DeviceID)); ok {
		prev := v.(Record)
		if prev.LastCheck.After(rec.LastCheck) {
			return false
		}
		if rec.LastPing == nil {
			rec.LastPing = prev.LastPing
		}
	}
	rec.AgeSeconds, rec.Stale = 0, false
	m.records.Set(cacheKey(rec.DeviceID), rec, cache.NoExpiration)
	return true
}

// probe runs one liveness check and records it. Probe failures become the
// result rather than an error.
func (m *Manager) probe(ctx context.Context, id int64, address string) Record {
	err := m.prober.Probe(ctx, address)
	done := m.now()

	rec := Record{DeviceID: id, Status: err == nil, LastCheck: done}
	if err == nil {
		rec.LastPing = &done
	} else {
		rec.Error = err.Error()
	}
	if !m.put(rec) {
		log.Printf("Discarding out-of-order probe result for device %d", id)
	} else if perr := m.devices.UpdateConnectivity(ctx, id, rec.Status, done); perr != nil {
		log.Printf("Error persisting connectivity of device %d: %v", id, perr)
	}
	v, _ := m.lookup(id)
	return v
}

func (m *Manager) probeMany(ctx context.Context, addresses map[int64]string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for id, addr := range addresses {
		g.Go(func() error {
			m.probe(gctx, id, addr)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) touch(ids []int64) {
	now := m.now()
	m.activeMu.Lock()
	for _, id := range ids {
		m.active[id] = now
	}
	m.activeMu.Unlock()
}

// Refresh probes the device now and overwrites its record.
func (m *Manager) Refresh(ctx context.Context, deviceID int64) (Record, error) {
	addresses, err := m.devices.DeviceAddresses(ctx, []int64{deviceID})
	if err != nil {
		return Record{}, err
	}
	addr, ok := addresses[deviceID]
	if !ok {
		return Record{}, ErrUnknownDevice
	}
	m.touch([]int64{deviceID})
	return m.probe(ctx, deviceID, addr), nil
}

// Get returns the record of every known device in ids, probing devices that
// have never been checked. Stale records are returned as they are, flagged.
// Every requested device joins the background probing set.
func (m *Manager) Get(ctx context.Context, ids []int64) (map[int64]Record, error) {
	m.touch(ids)

	result := make(map[int64]Record, len(ids))
	var missing []int64
	for _, id := range ids {
		if rec, ok := m.lookup(id); ok {
			result[id] = rec
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	addresses, err := m.devices.DeviceAddresses(ctx, missing)
	if err != nil {
		return nil, err
	}
	m.probeMany(ctx, addresses)
	for id := range addresses {
		if rec, ok := m.lookup(id); ok {
			result[id] = rec
		}
	}
	return result, nil
}

// Peek returns whatever is cached for ids without probing or marking them active.
func (m *Manager) Peek(ids []int64) map[int64]Record {
	result := make(map[int64]Record, len(ids))
	for _, id := range ids {
		if rec, ok := m.lookup(id); ok {
			result[id] = rec
		}
	}
	return result
}

// CacheInfo is a raw dump of the cache for operators.
type CacheInfo struct {
	TotalEntries         int      `json:"total_cached_devices"`
	StaleEntries         int      `json:"stale_entries"`
	ActiveDevices        []int64  `json:"active_devices"`
	TTLSeconds           int      `json:"cache_ttl_seconds"`
	PingIntervalSeconds  int      `json:"ping_interval_seconds"`
	AccessTimeoutSeconds int      `json:"access_timeout_seconds"`
	Entries              []Record `json:"cache_data"`
}

// CacheInfo reports every cached record, expired ones included, and the active set.
func (m *Manager) CacheInfo() CacheInfo {
	info := CacheInfo{
		TTLSeconds:           m.cfg.TTLSeconds,
		PingIntervalSeconds:  m.cfg.PingIntervalSeconds,
		AccessTimeoutSeconds: m.cfg.AccessTimeoutSeconds,
		Entries:              []Record{},
		ActiveDevices:        m.activeIDs(),
	}
	for _, item := range m.records.Items() {
		rec := m.annotate(item.Object.(Record))
		if rec.Stale {
			info.StaleEntries++
		}
		info.Entries = append(info.Entries, rec)
	}
	sort.Slice(info.Entries, func(i, j int) bool { return info.Entries[i].DeviceID < info.Entries[j].DeviceID })
	info.TotalEntries = len(info.Entries)
	return info
}

func (m *Manager) activeIDs() []int64 {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	ids := make([]int64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// pruneActive drops devices nobody has looked at within the access timeout.
func (m *Manager) pruneActive() []int64 {
	cutoff := m.now().Add(-m.cfg.AccessTimeout)
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	ids := make([]int64, 0, len(m.active))
	for id, seen := range m.active {
		if seen.Before(cutoff) {
			delete(m.active, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// CheckActive re-probes every device that is still being looked at.
func (m *Manager) CheckActive(ctx context.Context) {
	ids := m.pruneActive()
	if len(ids) == 0 {
		return
	}
	addresses, err := m.devices.DeviceAddresses(ctx, ids)
	if err != nil {
		log.Printf("Error resolving addresses of %d active devices: %v", len(ids), err)
		return
	}
	m.probeMany(ctx, addresses)
}

// Run probes active devices every ping interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		log.Println("Connectivity checks are disabled. Not starting.")
		return
	}
	log.Println("Starting connectivity checks...")

	timer := time.NewTimer(m.cfg.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Connectivity checks shutting down.")
			return
		case <-timer.C:
			m.CheckActive(ctx)
			timer.Reset(m.cfg.PingInterval)
		}
	}
}
