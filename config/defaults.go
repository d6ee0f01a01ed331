package config

import "time"

// Default runtime limits and guardrails for the pivot server and CLI.
// They are referenced by internal/runtime and can be overridden per request
// through pivot definitions where a matching field exists.

const (
	// Concurrency
	DefaultMaxConcurrentRequests = 10
	DefaultMaxOpenWorkbooks      = 4
	DefaultMaxConcurrentBuilds   = 2

	// Payload and row limits
	DefaultMaxPayloadBytes = 128 * 1024 // 128KB
	DefaultMaxCellsPerOp   = 10_000
	DefaultPreviewRowLimit = 10
	DefaultGridPageRows    = 50
)

const (
	// Crosstab ceilings. Exceeding a tuple ceiling truncates the build instead of failing it.
	DefaultMaxSourceRows = 500_000
	DefaultMaxRowTuples  = 20_000
	DefaultMaxColTuples  = 2_000

	// Ordered tuple lists longer than this move to the on-disk spill store.
	DefaultSpillThreshold = 50_000
)

const (
	// Timeouts
	DefaultOperationTimeout      = 30 * time.Second
	DefaultAcquireRequestTimeout = 2 * time.Second
	DefaultBuildTimeout          = 60 * time.Second

	// Workbook handle cache
	DefaultWorkbookIdleTTL       = 10 * time.Minute
	DefaultWorkbookCleanupPeriod = time.Minute
)
