package runtime

import (
	"context"
	"time"

	"github.com/vinodismyname/xcelpivot/config"
	"golang.org/x/sync/semaphore"
)

// Limits captures the concurrency, workbook and crosstab guardrails configured for the server.
type Limits struct {
	// Concurrency caps
	MaxConcurrentRequests int
	MaxOpenWorkbooks      int
	MaxConcurrentBuilds   int

	// Payload and row bounds
	MaxPayloadBytes int
	MaxCellsPerOp   int
	PreviewRowLimit int
	GridPageRows    int

	// Crosstab ceilings and spill threshold
	MaxSourceRows  int
	MaxRowTuples   int
	MaxColTuples   int
	SpillThreshold int

	// Timeouts
	OperationTimeout      time.Duration
	AcquireRequestTimeout time.Duration
	BuildTimeout          time.Duration
}

// NewLimits initializes Limits with sensible fallbacks when values are unset.
func NewLimits(maxConcurrentRequests, maxOpenWorkbooks int) Limits {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = config.DefaultMaxConcurrentRequests
	}
	if maxOpenWorkbooks <= 0 {
		maxOpenWorkbooks = config.DefaultMaxOpenWorkbooks
	}

	return Limits{
		MaxConcurrentRequests: maxConcurrentRequests,
		MaxOpenWorkbooks:      maxOpenWorkbooks,
		MaxConcurrentBuilds:   config.DefaultMaxConcurrentBuilds,
		MaxPayloadBytes:       config.DefaultMaxPayloadBytes,
		MaxCellsPerOp:         config.DefaultMaxCellsPerOp,
		PreviewRowLimit:       config.DefaultPreviewRowLimit,
		GridPageRows:          config.DefaultGridPageRows,
		MaxSourceRows:         config.DefaultMaxSourceRows,
		MaxRowTuples:          config.DefaultMaxRowTuples,
		MaxColTuples:          config.DefaultMaxColTuples,
		SpillThreshold:        config.DefaultSpillThreshold,
		OperationTimeout:      config.DefaultOperationTimeout,
		AcquireRequestTimeout: config.DefaultAcquireRequestTimeout,
		BuildTimeout:          config.DefaultBuildTimeout,
	}
}

// Controller coordinates runtime semaphores for request, workbook and build guardrails.
type Controller struct {
	limits            Limits
	requestSemaphore  *semaphore.Weighted
	workbookSemaphore *semaphore.Weighted
	buildSemaphore    *semaphore.Weighted
}

// NewController constructs a Controller backed by weighted semaphores.
func NewController(limits Limits) *Controller {
	return &Controller{
		limits:            limits,
		requestSemaphore:  semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
		workbookSemaphore: semaphore.NewWeighted(int64(limits.MaxOpenWorkbooks)),
		buildSemaphore:    semaphore.NewWeighted(int64(max(limits.MaxConcurrentBuilds, 1))),
	}
}

// AcquireRequest reserves capacity for an incoming request.
func (c *Controller) AcquireRequest(ctx context.Context) error {
	return c.requestSemaphore.Acquire(ctx, 1)
}

// ReleaseRequest frees previously-acquired request capacity.
func (c *Controller) ReleaseRequest() {
	c.requestSemaphore.Release(1)
}

// AcquireWorkbook reserves an open workbook slot.
func (c *Controller) AcquireWorkbook(ctx context.Context) error {
	return c.workbookSemaphore.Acquire(ctx, 1)
}

// ReleaseWorkbook frees an open workbook slot.
func (c *Controller) ReleaseWorkbook() {
	c.workbookSemaphore.Release(1)
}

// AcquireBuild reserves a crosstab build slot.
func (c *Controller) AcquireBuild(ctx context.Context) error {
	return c.buildSemaphore.Acquire(ctx, 1)
}

// TryAcquireBuild reserves a build slot without waiting.
func (c *Controller) TryAcquireBuild() bool {
	return c.buildSemaphore.TryAcquire(1)
}

// ReleaseBuild frees a crosstab build slot.
func (c *Controller) ReleaseBuild() {
	c.buildSemaphore.Release(1)
}

// BuildContext bounds ctx by the configured build timeout.
func (c *Controller) BuildContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.limits.BuildTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.limits.BuildTimeout)
}

// LimitsSnapshot exposes the configured guardrails for telemetry and discovery.
func (c *Controller) LimitsSnapshot() Limits {
	return c.limits
}
