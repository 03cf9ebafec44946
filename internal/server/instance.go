package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Instance is one running server: a listener, the HTTP server serving it,
// and the set of sockets it has accepted. Upgraded (hijacked) connections
// leave the set, so live-reload clients outlive the instance.
type Instance struct {
	// Port is the bound TCP port.
	Port int

	// DatabaseEnabled reports whether the database provider was mounted.
	DatabaseEnabled bool

	// StartedAt is when the instance began accepting connections.
	StartedAt time.Time

	listener net.Listener
	server   *http.Server
	done     chan struct{}
	routes   []RouteInfo

	shutdownTimeout time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newInstance(ln net.Listener, databaseEnabled bool) *Instance {
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return &Instance{
		Port:            port,
		DatabaseEnabled: databaseEnabled,
		listener:        ln,
		done:            make(chan struct{}),
		conns:           make(map[net.Conn]struct{}),
	}
}

// Addr returns the listener address.
func (i *Instance) Addr() string {
	if i.listener == nil {
		return net.JoinHostPort("", strconv.Itoa(i.Port))
	}
	return i.listener.Addr().String()
}

// URL returns the base URL of the instance.
func (i *Instance) URL() string {
	return fmt.Sprintf("http://%s", i.Addr())
}

// Routes returns the mounted routes sorted by path then method.
func (i *Instance) Routes() []RouteInfo {
	out := make([]RouteInfo, len(i.routes))
	copy(out, i.routes)
	return out
}

// OpenConnections returns the number of tracked (non-upgraded) sockets.
func (i *Instance) OpenConnections() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.conns)
}

// Done is closed when the serve loop has returned.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) trackConn(c net.Conn, state http.ConnState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch state {
	case http.StateNew:
		i.conns[c] = struct{}{}
	case http.StateHijacked, http.StateClosed:
		delete(i.conns, c)
	}
}

// closeConnections hard-closes every tracked socket and empties the set.
func (i *Instance) closeConnections() int {
	i.mu.Lock()
	conns := i.conns
	i.conns = make(map[net.Conn]struct{})
	i.mu.Unlock()

	for c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
