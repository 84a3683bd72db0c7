//go:build !linux

package bridge

// NewNotifier returns the best Notifier for the platform. Without eventfd
// that is the portable signal notifier.
func NewNotifier() (Notifier, error) {
	return NewSignal(), nil
}
