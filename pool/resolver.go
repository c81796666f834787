package pool

import (
	"context"
	"fmt"
	"net"
)

// Resolver is the default address resolver, backed by the system resolver.
type Resolver struct {
	r *net.Resolver
}

// NewResolver returns a resolver using net.DefaultResolver.
func NewResolver() *Resolver {
	return &Resolver{r: net.DefaultResolver}
}

// Resolve maps host:port to a dialable ip:port. Literal IP addresses pass
// through untouched.
func (r *Resolver) Resolve(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); ip != nil {
		return addr, nil
	}
	addrs, err := r.r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}
