package ambient

import (
	"sync"

	"github.com/roach88/opscope/internal/config"
	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/errs"
)

// Resolver produces the default endpoint.
type Resolver func() (*endpoint.Endpoint, error)

// DefaultSource holds the endpoint used by scopes opened without one.
//
// The endpoint is resolved lazily, once, on first use; failed resolutions are
// not cached, so a later call retries. Set overrides the endpoint outright,
// which is how tests pin it.
//
// Thread-safety: DefaultSource is safe for concurrent use.
type DefaultSource struct {
	mu       sync.Mutex
	endpoint *endpoint.Endpoint
	resolve  Resolver
}

// NewDefaultSource creates a source that resolves with resolve. A nil
// resolver means there is no default until Set is called.
func NewDefaultSource(resolve Resolver) *DefaultSource {
	return &DefaultSource{resolve: resolve}
}

// Endpoint returns the default endpoint, resolving it on first use.
func (d *DefaultSource) Endpoint() (*endpoint.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.endpoint != nil {
		return d.endpoint, nil
	}
	if d.resolve == nil {
		return nil, errs.New(errs.KindConfiguration, "default endpoint",
			"no default endpoint is configured; pass an endpoint explicitly")
	}

	ep, err := d.resolve()
	if err != nil {
		return nil, err
	}
	d.endpoint = ep
	return ep, nil
}

// Set overrides the default endpoint. Set(nil) discards it, so the next
// Endpoint call resolves again.
func (d *DefaultSource) Set(ep *endpoint.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoint = ep
}

// SetResolver replaces the resolver and discards any resolved endpoint.
func (d *DefaultSource) SetResolver(resolve Resolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolve = resolve
	d.endpoint = nil
}

// ConfigResolver resolves the default connection of the configuration file
// named by config.Locate at resolution time.
func ConfigResolver(providers *driver.Providers) Resolver {
	return func() (*endpoint.Endpoint, error) {
		cfg, err := config.Load(config.Locate())
		if err != nil {
			return nil, err
		}
		return endpoint.FromConfig(cfg, "", providers)
	}
}
