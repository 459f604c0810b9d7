// Package inbound defines the inbound port interfaces the proxy's
// transport adapters call into.
package inbound

import "context"

// ProxyService is the inbound port for the proxy core. Inbound adapters
// (this codebase ships only stdio) call this interface.
type ProxyService interface {
	// Run proxies between the parent and every configured child until
	// ctx is cancelled or the last child exits. It returns the exit
	// code the process should use: the last child's exit code, or
	// zero if unknown.
	Run(ctx context.Context) (exitCode int, err error)

	// Close releases any resources the service is still holding.
	Close() error
}
