// Package client implements the sandbox's per-client attach lifecycle (spec
// section 4.8): configuration, a report queue, and a resource manager all
// scoped to a single attached client rather than shared process-wide.
package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/logging"
	"github.com/buildxl/sandboxcore/pkg/report"
	"github.com/buildxl/sandboxcore/pkg/resource"
)

// Default and maximum report-queue sizes, in megabytes. Configure clamps
// into this range (spec section 4.8, "Configuration").
const (
	DefaultReportQueueSizeMB = 128
	MaxReportQueueSizeMB     = 4096

	// approxReportSize estimates the wire size of one AccessReport, used to
	// size a batching queue's channel capacity from a megabyte budget.
	approxReportSize = 256
)

// KextConfig is the host-supplied configuration accepted by Configure (spec
// section 4.8). It is validated and clamped before being applied.
type KextConfig struct {
	ReportQueueSizeMB    int
	EnableReportBatching bool
	ResourceThresholds   resource.Thresholds
}

// normalize clamps ReportQueueSizeMB into [1, MaxReportQueueSizeMB],
// substituting the default when zero or out of range (spec section 4.8,
// "validates ranges... falling back to a default when zero or above max").
func (c KextConfig) normalize() KextConfig {
	if c.ReportQueueSizeMB <= 0 || c.ReportQueueSizeMB > MaxReportQueueSizeMB {
		c.ReportQueueSizeMB = DefaultReportQueueSizeMB
	}
	return c
}

// ClientInfo is the per-attached-client state (spec section 4.8, "Client
// slot"; spec section 3, "ClientInfo"). Per the reimplementation resolved
// in place of the original's process-wide KextConfig/ResourceManager (spec
// section 9, Design Note), every client owns its own configuration,
// resource manager, and report queue; the registry indexes ClientInfo by
// pid and nothing more.
//
// ClientInfo freezes on its first submitted report (spec section 3,
// "Becomes frozen on its first enqueue: after freezing, notification-port
// and failure-handler updates are rejected"): SetFailureHandler fails once
// Submit has been called at least once.
type ClientInfo struct {
	Pid       uint64
	Config    KextConfig
	Resources *resource.Manager
	Queue     *report.Queue
	Logger    *logging.Logger

	frozen          uint32
	mu              sync.Mutex
	failureCallback host.AsyncFailureCallback
}

// New creates a ClientInfo for pid, validating config and sizing a fresh
// report queue from it (spec section 4.8, "AllocateNewClient(clientPid)
// creates a ClientInfo with a freshly created ReportQueue sized from
// config.reportQueueSizeMB / sizeof(AccessReport)"). The client logs
// through logging.RootLogger's "client.<pid>" sublogger by default.
func New(pid uint64, config KextConfig, sink host.SharedIOQueue, onFailure host.AsyncFailureCallback) *ClientInfo {
	config = config.normalize()

	c := &ClientInfo{
		Pid:             pid,
		Config:          config,
		Resources:       resource.NewManager(config.ResourceThresholds),
		Logger:          logging.RootLogger.Sublogger(fmt.Sprintf("client.%d", pid)),
		failureCallback: onFailure,
	}

	// The queue is handed a fixed dispatch shim rather than onFailure
	// directly, so that SetFailureHandler can still redirect the callback
	// up until the client freezes.
	dispatch := host.AsyncFailureCallback{Func: func(status host.AsyncFailureStatus, _ any) {
		c.Logger.Error(fmt.Errorf("report queue entered unrecoverable failure state: %v", status))
		c.mu.Lock()
		cb := c.failureCallback
		c.mu.Unlock()
		cb.Invoke(status)
	}}

	if config.EnableReportBatching {
		capacity := (config.ReportQueueSizeMB * 1024 * 1024) / approxReportSize
		if capacity < 1 {
			capacity = 1
		}
		c.Queue = report.NewBatching(sink, capacity, dispatch)
	} else {
		c.Queue = report.NewDirect(sink, dispatch)
	}

	return c
}

// SetFailureHandler installs a new async-failure callback, rejected once
// the client has frozen (spec section 3, "ClientInfo").
func (c *ClientInfo) SetFailureHandler(cb host.AsyncFailureCallback) error {
	if atomic.LoadUint32(&c.frozen) != 0 {
		return fmt.Errorf("client %d: failure handler cannot change after the first report", c.Pid)
	}
	c.mu.Lock()
	c.failureCallback = cb
	c.mu.Unlock()
	return nil
}

// Submit forwards r to the client's report queue, freezing the client on
// its first call regardless of whether the enqueue itself succeeds.
func (c *ClientInfo) Submit(r report.AccessReport) bool {
	atomic.StoreUint32(&c.frozen, 1)
	return c.Queue.Enqueue(r)
}

// Reconfigure validates and applies a new KextConfig, installing the new
// resource thresholds; the report queue's mode and sizing are fixed at
// creation (spec section 4.8 does not describe resizing a live queue).
func (c *ClientInfo) Reconfigure(config KextConfig) {
	config = config.normalize()
	c.Config = config
	c.Resources.SetThresholds(config.ResourceThresholds)
}

// Teardown releases the client's report queue.
func (c *ClientInfo) Teardown() {
	c.Queue.Teardown()
}

// Validate returns an error if pid is not a usable client identifier.
func Validate(pid uint64) error {
	if pid == 0 {
		return fmt.Errorf("client: invalid pid 0")
	}
	return nil
}
