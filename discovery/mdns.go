// Package discovery advertises a listening Server over mDNS so peers on the
// same network segment can find it without a hardcoded address, adapted
// from the teacher's cmd/can-server mDNS startup helper.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_sockline._tcp"

// Info is the descriptive metadata advertised in the mDNS TXT record. It
// mirrors server.Info so callers can pass one straight through.
type Info struct {
	Name        string
	Description string
	Version     string
}

// Advertiser is a running mDNS registration; Shutdown stops it.
type Advertiser struct {
	svc  *zeroconf.Server
	done chan struct{}
}

// Advertise registers instance (defaulting to "sockline-<hostname>" if
// empty) under serviceType on port, with info folded into the TXT record.
// Shut down the returned Advertiser to deregister.
func Advertise(ctx context.Context, instance string, port int, info Info) (*Advertiser, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("sockline-%s", host)
	}
	meta := []string{
		"name=" + info.Name,
		"description=" + info.Description,
		"version=" + info.Version,
	}
	svc, err := zeroconf.Register(instance, serviceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return &Advertiser{svc: svc, done: done}, nil
}

// Shutdown deregisters the service. Idempotent.
func (a *Advertiser) Shutdown() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	a.svc.Shutdown()
	time.Sleep(50 * time.Millisecond)
}
