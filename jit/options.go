package jit

import "go.uber.org/zap"

// Option configures a Stack.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	resolver Resolver
}

func defaultOptions() options {
	return options{logger: Logger()}
}

// WithLogger sets the stack's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResolver installs a resolver consulted before the stack's builtins and
// its own symbols.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}
