package bus

import "context"

// LocalBus is the single-node transport: publishes go nowhere and no
// remote messages ever arrive. It also serves as the seam for unit tests
// that do not exercise horizontal fan-out.
type LocalBus struct{}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, _ Handler) error {
	return nil
}

func (b *LocalBus) Close() error {
	return nil
}
