package process

import "github.com/skobkin/gputop-procs/internal/host"

// guard runs a live query. When the process has vanished it calls evict
// and returns def with a nil error; any other error is returned as is.
func guard[T any](evict func(), def T, query func() (T, error)) (T, error) {
	value, err := query()
	if err == nil {
		return value, nil
	}
	if host.IsNoSuchProcess(err) {
		evict()
		return def, nil
	}
	return def, err
}
