package player

// DiscardSink throws rendered samples away. Used when the daemon runs with
// no audio output at all, e.g. in CI.
type DiscardSink struct{}

func (DiscardSink) Start() error { return nil }

func (DiscardSink) WriteSamples([]float32) error { return nil }

func (DiscardSink) Close() error { return nil }
