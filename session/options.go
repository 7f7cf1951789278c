package session

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// WithNow provides an optional func for determining what the current time
// is.  Valid for: NewPendingLogin, NewAuthenticatedSession, NewBinding,
// NewMemoryStore, NewPostgresStore.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *pendingOptions:
			v.withNowFunc = now
		case *authenticatedOptions:
			v.withNowFunc = now
		case *bindingOptions:
			v.withNowFunc = now
		case *memoryOptions:
			v.withNowFunc = now
		case *postgresOptions:
			v.withNowFunc = now
		}
	}
}

// WithLogger provides an optional logger.  Valid for: NewBinding,
// NewMemoryStore, NewRedisStore, NewPostgresStore.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *bindingOptions:
			v.withLogger = l
		case *memoryOptions:
			v.withLogger = l
		case *redisOptions:
			v.withLogger = l
		case *postgresOptions:
			v.withLogger = l
		}
	}
}
