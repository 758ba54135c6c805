// Package endpoint describes the resources scopes connect to.
//
// An Endpoint pairs a connection string with the driver factory that
// understands it. Two endpoints with the same connection string and the same
// factory type share an identity hash and are treated as the same resource
// by the scope registry.
package endpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/url"
	"reflect"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/opscope/internal/config"
	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/errs"
)

// domainEndpoint separates endpoint identity hashes from any other SHA-256
// use. The version suffix allows a future algorithm change.
const domainEndpoint = "opscope/endpoint/v1"

// Endpoint is an immutable connection descriptor.
type Endpoint struct {
	name       string
	connString string
	factory    driver.Factory
	hash       uint64
}

// New creates an endpoint from a connection string and driver factory.
func New(connString string, factory driver.Factory) (*Endpoint, error) {
	if connString == "" {
		return nil, errs.New(errs.KindArgument, "endpoint.new", "connection string is required")
	}
	if factory == nil {
		return nil, errs.New(errs.KindArgument, "endpoint.new", "driver factory is required")
	}

	return &Endpoint{
		connString: connString,
		factory:    factory,
		hash:       identityHash(connString, factory),
	}, nil
}

// FromConfig resolves an endpoint from configuration.
//
// With a non-empty name the entry of that name is used. With an empty name
// the entry designated by cfg.Default is used, or the sole configured entry
// when no default is set. A default naming no entry is a configuration error
// even when only one entry exists. The entry's driver identifier is looked up
// in providers.
func FromConfig(cfg *config.Config, name string, providers *driver.Providers) (*Endpoint, error) {
	const op = "endpoint.config"

	if cfg == nil {
		return nil, errs.New(errs.KindArgument, op, "config is required")
	}
	if providers == nil {
		return nil, errs.New(errs.KindArgument, op, "providers are required")
	}

	if name == "" {
		switch {
		case len(cfg.Connections) == 0:
			return nil, errs.New(errs.KindConfiguration, op, "there are no connections configured")
		case cfg.Default != "":
			name = cfg.Default
		case len(cfg.Connections) > 1:
			return nil, errs.New(errs.KindConfiguration, op,
				"multiple connections are configured and none is designated as default; "+
					"set \"default\" to the name of one of them or request a connection by name")
		default:
			name = cfg.Connections[0].Name
		}
	}

	entry, ok := cfg.Lookup(name)
	if !ok {
		return nil, errs.New(errs.KindConfiguration, op, fmt.Sprintf("there is no connection named %q", name))
	}

	factory, ok := providers.Lookup(entry.Driver)
	if !ok {
		return nil, errs.New(errs.KindConfiguration, op,
			fmt.Sprintf("connection %q uses unknown driver %q (registered: %v)", name, entry.Driver, providers.Names()))
	}

	ep, err := New(entry.ConnectionString, factory)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, op, fmt.Sprintf("connection %q", name), err)
	}
	ep.name = name
	return ep, nil
}

// Name returns the configuration entry name, or "" for explicit endpoints.
func (e *Endpoint) Name() string { return e.name }

// ConnectionString returns the raw connection string.
func (e *Endpoint) ConnectionString() string { return e.connString }

// Factory returns the driver factory.
func (e *Endpoint) Factory() driver.Factory { return e.factory }

// IdentityHash returns the stable identity used to key operation contexts.
func (e *Endpoint) IdentityHash() uint64 { return e.hash }

// Equal reports whether e and other denote the same resource.
func (e *Endpoint) Equal(other *Endpoint) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.hash == other.hash
}

// CreateConnection asks the factory for a new, unopened handle.
func (e *Endpoint) CreateConnection() driver.Conn {
	return e.factory.CreateConnection(e.connString)
}

// Redacted returns the connection string with any URL password masked.
func (e *Endpoint) Redacted() string { return Redact(e.connString) }

// String describes the endpoint with any URL password redacted.
func (e *Endpoint) String() string {
	label := e.name
	if label == "" {
		label = "endpoint"
	}
	return fmt.Sprintf("%s(%s %s)", label, factoryIdentity(e.factory), e.Redacted())
}

// namedDriver is implemented by factories that serve several database/sql
// drivers with one Go type.
type namedDriver interface {
	DriverName() string
}

// factoryIdentity names the factory's dynamic type including its package
// path, qualified by the driver name when the factory reports one.
func factoryIdentity(f driver.Factory) string {
	t := reflect.TypeOf(f)
	prefix := ""
	for t.Kind() == reflect.Pointer {
		prefix += "*"
		t = t.Elem()
	}
	id := prefix + t.PkgPath() + "." + t.Name()
	if nd, ok := f.(namedDriver); ok {
		id += ":" + nd.DriverName()
	}
	return id
}

// identityHash computes SHA-256(domain 0x00 connString 0x00 factoryType) and
// keeps the first 8 bytes. Connection strings are NFC-normalized so that
// canonically equivalent spellings share an identity.
func identityHash(connString string, f driver.Factory) uint64 {
	h := sha256.New()
	h.Write([]byte(domainEndpoint))
	h.Write([]byte{0x00})
	h.Write([]byte(norm.NFC.String(connString)))
	h.Write([]byte{0x00})
	h.Write([]byte(factoryIdentity(f)))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// Redact masks the password of a URL-style connection string. Other
// strings are returned unchanged.
func Redact(connString string) string {
	u, err := url.Parse(connString)
	if err != nil || u.User == nil {
		return connString
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return u.Redacted()
	}
	return connString
}
