// Package metricscollector implements the MetricsCollector of spec.md §2:
// "converts system/process samples into events on the bus (producer
// only)." Grounded on the original's system_metrics_broadcasting.py
// collection loop and threshold-check shape (periodic sample, emit an
// info-level snapshot event, emit a warning-level alert event per
// breached threshold), generalized from psutil sampling to
// prometheus/procfs — already present in this module's dependency graph
// via prometheus/client_golang — for CPU ticks, load average, and memory,
// and golang.org/x/sys/unix's Statfs for disk usage.
package metricscollector

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/prometheus/procfs"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Emitter is the Collector's sole dependency: a place to put the events
// it produces. Implemented by *eventbus.Bus.
type Emitter interface {
	Emit(e *domain.Event, opts eventbus.EmitOptions) (string, error)
}

// StatSampler is the narrow system-stats dependency, letting tests
// supply deterministic readings instead of real /proc contents.
type StatSampler interface {
	// CPUTicks returns cumulative idle and total jiffies since boot.
	CPUTicks() (idle, total float64, err error)
	LoadAvg1() (float64, error)
	// MemoryKB returns total and available memory in kilobytes.
	MemoryKB() (totalKB, availableKB uint64, err error)
}

// DiskStater reports total/free bytes for the filesystem backing path.
type DiskStater interface {
	DiskUsage(path string) (totalBytes, freeBytes uint64, err error)
}

// Config holds MetricsCollector sampling interval and alert thresholds,
// mirroring system_metrics_broadcasting.py's MetricsCollectionConfig and
// its cpu/memory/disk/load alert thresholds.
type Config struct {
	Interval             time.Duration
	DiskPath             string
	CPUAlertThreshold    float64
	MemoryAlertThreshold float64
	DiskAlertThreshold   float64
	LoadAlertThreshold   float64
}

// DefaultConfig returns the thresholds and interval the original names.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		DiskPath:             "/",
		CPUAlertThreshold:    90.0,
		MemoryAlertThreshold: 90.0,
		DiskAlertThreshold:   90.0,
		LoadAlertThreshold:   10.0,
	}
}

// Collector is the MetricsCollector producer.
type Collector struct {
	cfg    Config
	emit   Emitter
	clk    clock.Clock
	sample StatSampler
	disk   DiskStater

	mu       sync.Mutex
	havePrev bool
	prevIdle float64
	prevTot  float64

	stopCh chan struct{}
	timer  clock.Timer
}

// New constructs a Collector reading real /proc statistics. Returns an
// error if /proc is unreachable (e.g. a non-Linux host), letting the
// composition root decide whether that is fatal.
func New(cfg Config, emit Emitter, clk clock.Clock) (*Collector, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return NewWithSampler(cfg, emit, clk, procfsSampler{fs: fs}, unixDiskStater{}), nil
}

// NewWithSampler constructs a Collector against an injected StatSampler
// and DiskStater, for deterministic testing.
func NewWithSampler(cfg Config, emit Emitter, clk clock.Clock, sampler StatSampler, disk DiskStater) *Collector {
	return &Collector{
		cfg:    cfg,
		emit:   emit,
		clk:    clk,
		sample: sampler,
		disk:   disk,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic sampling loop.
func (c *Collector) Start() {
	c.scheduleSample()
}

// Shutdown stops the sampling loop.
func (c *Collector) Shutdown() {
	close(c.stopCh)
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Collector) scheduleSample() {
	c.timer = c.clk.AfterFunc(c.cfg.Interval, c.tick)
}

func (c *Collector) tick() {
	select {
	case <-c.stopCh:
		return
	default:
	}

	c.collectOnce()
	c.scheduleSample()
}

// collectOnce samples every source once, emits a health_update snapshot,
// and emits one performance_alert per breached threshold. Called from
// Start's loop; tests call it directly for an immediate reading.
func (c *Collector) collectOnce() {
	now := c.clk.Now()

	cpuPercent, haveCPU := c.cpuPercent()
	load1, loadErr := c.sample.LoadAvg1()
	totalKB, availKB, memErr := c.sample.MemoryKB()
	memPercent := percentUsed(totalKB, availKB, memErr)

	var diskPercent float64
	var haveDisk bool
	if c.disk != nil {
		totalBytes, freeBytes, err := c.disk.DiskUsage(c.cfg.DiskPath)
		if err == nil && totalBytes > 0 {
			diskPercent = (1 - float64(freeBytes)/float64(totalBytes)) * 100
			haveDisk = true
		}
	}

	data := map[string]interface{}{
		"timestamp":      now.UTC().Format(time.RFC3339),
		"memory_percent": memPercent,
	}
	if haveCPU {
		data["cpu_percent"] = cpuPercent
	}
	if loadErr == nil {
		data["load_average_1m"] = load1
	}
	if haveDisk {
		data["disk_percent"] = diskPercent
	}

	c.emitEvent(domain.EventHealthUpdate, domain.PriorityLow, domain.SeverityInfo, data)

	if haveCPU && cpuPercent > c.cfg.CPUAlertThreshold {
		c.emitAlert("high_cpu_usage", cpuPercent, c.cfg.CPUAlertThreshold)
	}
	if memErr == nil && memPercent > c.cfg.MemoryAlertThreshold {
		c.emitAlert("high_memory_usage", memPercent, c.cfg.MemoryAlertThreshold)
	}
	if haveDisk && diskPercent > c.cfg.DiskAlertThreshold {
		c.emitAlert("high_disk_usage", diskPercent, c.cfg.DiskAlertThreshold)
	}
	if loadErr == nil && load1 > c.cfg.LoadAlertThreshold {
		c.emitAlert("high_load_average", load1, c.cfg.LoadAlertThreshold)
	}
}

// cpuPercent derives a 0-100 CPU busy percentage from the delta between
// this sample and the last one; the first sample after Start has no
// prior reading to diff against.
func (c *Collector) cpuPercent() (float64, bool) {
	idle, total, err := c.sample.CPUTicks()
	if err != nil {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.havePrev {
		c.prevIdle, c.prevTot = idle, total
		c.havePrev = true
		return 0, false
	}

	dIdle := idle - c.prevIdle
	dTotal := total - c.prevTot
	c.prevIdle, c.prevTot = idle, total

	if dTotal <= 0 {
		return 0, false
	}
	return (1 - dIdle/dTotal) * 100, true
}

func percentUsed(totalKB, availableKB uint64, err error) float64 {
	if err != nil || totalKB == 0 {
		return 0
	}
	return (float64(totalKB) - float64(availableKB)) * 100 / float64(totalKB)
}

func (c *Collector) emitEvent(t domain.EventType, p domain.Priority, sev domain.Severity, data map[string]interface{}) {
	_, err := c.emit.Emit(&domain.Event{
		Type:      t,
		Category:  domain.GetCategory(t),
		Priority:  p,
		Severity:  sev,
		CreatedAt: c.clk.Now(),
		Data:      data,
	}, eventbus.DefaultEmitOptions())
	if err != nil {
		logger.Warnf("metrics collector: failed to emit %s: %v", t, err)
	}
}

func (c *Collector) emitAlert(alertType string, value, threshold float64) {
	c.emitEvent(domain.EventPerformanceAlert, domain.PriorityHigh, domain.SeverityWarning, map[string]interface{}{
		"type":      alertType,
		"value":     value,
		"threshold": threshold,
	})
}

// procfsSampler backs StatSampler with real /proc readings.
type procfsSampler struct{ fs procfs.FS }

func (p procfsSampler) CPUTicks() (idle, total float64, err error) {
	st, err := p.fs.Stat()
	if err != nil {
		return 0, 0, err
	}
	c := st.CPUTotal
	idle = c.Idle + c.Iowait
	total = c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	return idle, total, nil
}

func (p procfsSampler) LoadAvg1() (float64, error) {
	la, err := p.fs.LoadAvg()
	if err != nil {
		return 0, err
	}
	return la.Load1, nil
}

func (p procfsSampler) MemoryKB() (totalKB, availableKB uint64, err error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, 0, err
	}
	if mi.MemTotal != nil {
		totalKB = *mi.MemTotal
	}
	if mi.MemAvailable != nil {
		availableKB = *mi.MemAvailable
	}
	return totalKB, availableKB, nil
}

// unixDiskStater backs DiskStater with a real statfs(2) call.
type unixDiskStater struct{}

func (unixDiskStater) DiskUsage(path string) (totalBytes, freeBytes uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
