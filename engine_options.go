package deferred

import "errors"

// engineOptions holds configuration options for engine creation.
type engineOptions struct {
	eventBufferSize int
}

// defaultEventBufferSize is the number of kernel events fetched per
// reactor iteration when no option overrides it.
const defaultEventBufferSize = 256

// EngineOption configures an engine at construction time.
type EngineOption interface {
	applyEngine(*engineOptions) error
}

// engineOptionImpl implements EngineOption.
type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithEventBufferSize sets how many kernel events an engine iteration
// fetches at once. Larger buffers amortize wakeups under heavy fd load;
// excess readiness is simply picked up by the next iteration. The size
// must be positive. Only engines with a kernel event buffer ([EpollEngine])
// consult it.
func WithEventBufferSize(size int) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if size <= 0 {
			return errors.New("deferred: event buffer size must be positive")
		}
		opts.eventBufferSize = size
		return nil
	}}
}

// resolveEngineOptions applies EngineOption instances to engineOptions.
func resolveEngineOptions(opts []EngineOption) (*engineOptions, error) {
	cfg := &engineOptions{
		eventBufferSize: defaultEventBufferSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
