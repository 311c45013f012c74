package turbocache

import "go.uber.org/zap"

// Default tuning parameters (§4.5). These are design constants per the
// spec, exposed as construction-time options rather than runtime config
// since TurboCache reads no environment (§6.3).
const (
	DefaultRowCount       uint32  = 16
	DefaultSlotsPerRow    uint32  = 64
	DefaultLoadThreshold  float64 = 0.75
	DefaultMigrationBatch int     = 64
)

type options struct {
	rowCount       uint32
	slotsPerRow    uint32
	loadThreshold  float64
	migrationBatch int
	logger         *zap.Logger
}

func defaultOptions() options {
	return options{
		rowCount:       DefaultRowCount,
		slotsPerRow:    DefaultSlotsPerRow,
		loadThreshold:  DefaultLoadThreshold,
		migrationBatch: DefaultMigrationBatch,
		logger:         zap.NewNop(),
	}
}

// Option configures a Cache at Open time, following the functional-options
// idiom instead of a config file or environment variables (the spec
// requires neither, §6.3).
type Option func(*options)

// WithRowCount sets the initial live table's row count. Must be a power of
// two; invalid values are rejected by Open.
func WithRowCount(n uint32) Option {
	return func(o *options) { o.rowCount = n }
}

// WithSlotsPerRow sets the fixed width of each row (§4.5's SlotsPerRow).
func WithSlotsPerRow(n uint32) Option {
	return func(o *options) { o.slotsPerRow = n }
}

// WithLoadThreshold sets the occupancy fraction that triggers migration
// before rows actually saturate (§4.5's LoadThreshold).
func WithLoadThreshold(f float64) Option {
	return func(o *options) { o.loadThreshold = f }
}

// WithMigrationBatch sets how many entries are migrated per mutation while
// Migrating (§4.5's MigrationBatch).
func WithMigrationBatch(n int) Option {
	return func(o *options) { o.migrationBatch = n }
}

// WithLogger supplies a *zap.Logger for growth, promotion, and
// corrupt-slot-demotion events. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
