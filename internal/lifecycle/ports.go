package lifecycle

import "context"

// UsedPortSource reports host ports currently claimed by live guests.
type UsedPortSource interface {
	UsedHostPorts(ctx context.Context) (map[int]bool, error)
}

// UsedPortFunc adapts a function to the UsedPortSource interface.
type UsedPortFunc func(ctx context.Context) (map[int]bool, error)

// UsedHostPorts calls f.
func (f UsedPortFunc) UsedHostPorts(ctx context.Context) (map[int]bool, error) {
	return f(ctx)
}

// AllocatePort returns the first port at or above start that the source does
// not claim. When the scan fails, start is returned unchanged so provisioning
// can proceed against an idle host.
func AllocatePort(ctx context.Context, start int, source UsedPortSource) int {
	if source == nil {
		return start
	}
	used, err := source.UsedHostPorts(ctx)
	if err != nil {
		return start
	}
	port := start
	for used[port] {
		port++
	}
	return port
}

// AllocatePortAcross merges claimed ports from every source, tolerating
// per-source failures, then scans upward from start. VM SSH forwards use
// this so they avoid ports held by sessions of either backend.
func AllocatePortAcross(ctx context.Context, start int, sources ...UsedPortSource) int {
	used := make(map[int]bool)
	for _, source := range sources {
		if source == nil {
			continue
		}
		ports, err := source.UsedHostPorts(ctx)
		if err != nil {
			continue
		}
		for p := range ports {
			used[p] = true
		}
	}
	port := start
	for used[port] {
		port++
	}
	return port
}
