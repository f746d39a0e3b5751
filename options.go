package indexgo

import (
	"log/slog"

	"github.com/hupe1980/indexgo/redolog"
)

type options struct {
	logger            *Logger
	metricsCollector  MetricsCollector
	redoLogOptions    []func(*redolog.Options)
	volatileThreshold int
}

// Option configures Open behavior.
type Option func(*options)

// WithRedoLog tunes the redo log (durability mode, compression). The
// log location is always the index directory and cannot be moved.
//
// Example:
//
//	indexgo.Open("./data", indexgo.WithRedoLog(func(o *redolog.Options) {
//	    o.DurabilityMode = redolog.DurabilityGroupCommit
//	    o.GroupCommitInterval = 10 * time.Millisecond
//	}))
func WithRedoLog(optFns ...func(*redolog.Options)) Option {
	return func(o *options) {
		o.redoLogOptions = optFns
	}
}

// WithVolatileThreshold sets the number of buffered documents that
// triggers materializing the volatile index as a persistent segment.
// Lower values bound memory and recovery time at the cost of more,
// smaller segments.
func WithVolatileThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.volatileThreshold = n
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &indexgo.BasicMetricsCollector{}
//	ix, _ := indexgo.Open("./data", indexgo.WithMetricsCollector(metrics))
//	// ... use ix ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := indexgo.NewJSONLogger(slog.LevelInfo)
//	ix, _ := indexgo.Open("./data", indexgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:            NoopLogger(),
		metricsCollector:  NoopMetricsCollector{},
		volatileThreshold: 1000,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
