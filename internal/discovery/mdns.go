// Package discovery advertises canvas servers on the local network over
// mDNS and lets clients find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const domain = "local."

// ErrNotFound is returned when no server answered before the timeout.
var ErrNotFound = errors.New("no canvas server found on the local network")

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server *zeroconf.Server
}

// Register announces a server listening on port under service
// (for example "_sketch._tcp").
func Register(service string, port int) (*Advertisement, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("sketch-%s", host),
		service,
		domain,
		port,
		[]string{"path=/ws/canvas", "proto=msgpack"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	log.Printf("✓ mDNS service registered: %s on port %d", service, port)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Lookup browses for service and returns the base websocket URL
// (ws://host:port) of the first server that answers.
func Lookup(ctx context.Context, service string, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			addr := entryAddr(entry)
			if addr == "" {
				continue
			}
			log.Printf("  mDNS discovered %s at %s", entry.Instance, addr)
			select {
			case found <- "ws://" + addr:
				cancel()
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()

	select {
	case url := <-found:
		return url, nil
	default:
		return "", ErrNotFound
	}
}

func entryAddr(entry *zeroconf.ServiceEntry) string {
	port := strconv.Itoa(entry.Port)
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	}
	return ""
}
