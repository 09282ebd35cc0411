// Package middleware implements composable transport decorators for the
// gobus message bus.
//
// Purpose:
// - Each middleware implements the Transport interface and wraps an
//   inner transport, transforming payloads on publish and reversing
//   the transformation on the subscribe path
// - Chain folds a list of middlewares outer-to-inner over a base
//   transport
//
// Composition order matters: retry is outermost so a failure anywhere
// below re-enters the full pipeline, integrity signs the plaintext, and
// compression wraps the signed bytes on the wire. Compose encodes that
// ordering:
//
//	retry( integrity( compression( base ) ) )
package middleware

import (
	"github.com/itsneelabh/gobus/transport"
)

// Middleware decorates a transport with additional behaviour.
type Middleware func(transport.Transport) transport.Transport

// Chain wraps base with the given middlewares. The first middleware
// becomes the outermost layer.
func Chain(base transport.Transport, mws ...Middleware) transport.Transport {
	t := base
	for i := len(mws) - 1; i >= 0; i-- {
		t = mws[i](t)
	}
	return t
}

// Config selects the standard middleware stack.
type Config struct {
	// Compression enables payload compression. Nil disables.
	Compression *CompressionConfig

	// Integrity enables payload integrity or obfuscation. Nil disables.
	Integrity *IntegrityConfig

	// Retry enables in-line publish retry. Nil disables.
	Retry *RetryConfig
}

// Compose builds the standard stack over base:
// retry(integrity(compression(base))).
func Compose(base transport.Transport, cfg Config) (transport.Transport, error) {
	var mws []Middleware

	if cfg.Retry != nil {
		retryCfg := *cfg.Retry
		mws = append(mws, func(inner transport.Transport) transport.Transport {
			return NewRetryMiddleware(inner, retryCfg)
		})
	}
	if cfg.Integrity != nil {
		integrity, err := newIntegrityMiddleware(*cfg.Integrity)
		if err != nil {
			return nil, err
		}
		mws = append(mws, integrity)
	}
	if cfg.Compression != nil {
		compressCfg := *cfg.Compression
		mws = append(mws, func(inner transport.Transport) transport.Transport {
			return NewCompressionMiddleware(inner, compressCfg)
		})
	}

	return Chain(base, mws...), nil
}
