package broadcast

import (
	"slices"
	"sync"
)

// DefaultHost is the logical room name the bridge resolves when none is given.
const DefaultHost = "main"

// Registry resolves named host instances, creating them on first use.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	hosts   map[string]*Host
	stopped bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, hosts: make(map[string]*Host)}
}

// Host returns the instance for name, starting it if needed. An empty name
// means DefaultHost. Returns nil once the registry has been stopped.
func (r *Registry) Host(name string) *Host {
	if name == "" {
		name = DefaultHost
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil
	}
	h, ok := r.hosts[name]
	if !ok {
		h = NewHost(name, r.opts)
		r.hosts[name] = h
	}
	return h
}

// Lookup returns an existing instance without creating one.
func (r *Registry) Lookup(name string) (*Host, bool) {
	if name == "" {
		name = DefaultHost
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.hosts))
	for name := range r.hosts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StopAll stops every host concurrently and refuses to create new ones.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.stopped = true
	hosts := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Stop()
		}()
	}
	wg.Wait()
}
