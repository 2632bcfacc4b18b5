// Package arp resolves IPv4 addresses to link addresses for the local
// interface. It answers requests for our own address, learns from replies and
// issues requests on behalf of callers that need an address.
package arp

import (
	"context"
	"net/netip"
	"runtime"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/util"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Provider is the link layer the resolver rides on, normally an
// *ethernet.Dispatcher. The resolver does not own it.
type Provider interface {
	Send(dst ethernet.Address, t ethernet.Type, payload []byte) error
	LinkAddress() ethernet.Address
	IPAddress() netip.Addr
	Register(t ethernet.Type, h ethernet.Handler) error
	Unregister(t ethernet.Type, h ethernet.Handler)
}

type resolverMetrics struct {
	rxRequests  metrics.Counter
	rxReplies   metrics.Counter
	rxIgnored   metrics.Counter
	txRequests  metrics.Counter
	cacheInsert metrics.Counter
	cacheFull   metrics.Counter
}

type Option func(*Resolver)

// WithMetrics registers the resolver's counters in r instead of
// metrics.DefaultRegistry.
func WithMetrics(r metrics.Registry) Option {
	return func(res *Resolver) {
		res.registry = r
	}
}

type Resolver struct {
	l        *logrus.Logger
	p        Provider
	cache    Cache
	registry metrics.Registry
	metrics  resolverMetrics
}

// NewResolver registers a resolver for ARP frames with p.
func NewResolver(l *logrus.Logger, p Provider, opts ...Option) (*Resolver, error) {
	r := &Resolver{l: l, p: p}
	for _, o := range opts {
		o(r)
	}

	r.metrics = resolverMetrics{
		rxRequests:  metrics.GetOrRegisterCounter("arp.rx.requests", r.registry),
		rxReplies:   metrics.GetOrRegisterCounter("arp.rx.replies", r.registry),
		rxIgnored:   metrics.GetOrRegisterCounter("arp.rx.ignored", r.registry),
		txRequests:  metrics.GetOrRegisterCounter("arp.tx.requests", r.registry),
		cacheInsert: metrics.GetOrRegisterCounter("arp.cache.inserted", r.registry),
		cacheFull:   metrics.GetOrRegisterCounter("arp.cache.full", r.registry),
	}

	if err := p.Register(ethernet.TypeARP, r); err != nil {
		return nil, util.NewContextualError("Failed to register arp handler", nil, err)
	}

	return r, nil
}

// Close stops the resolver from receiving frames.
func (r *Resolver) Close() {
	r.p.Unregister(ethernet.TypeARP, r)
}

// OnEtherFrameReceived handles one ARP message. A request for our address is
// rewritten in place into the reply and true is returned so that the frame is
// sent back. Replies addressed to us are cached.
func (r *Resolver) OnEtherFrameReceived(payload []byte) bool {
	a := header.ARP(payload)
	if !a.IsValid() {
		r.metrics.rxIgnored.Inc(1)
		return false
	}

	local := r.p.IPAddress()
	if !local.Is4() || ipFrom(a.ProtocolAddressTarget()) != local {
		r.metrics.rxIgnored.Inc(1)
		return false
	}

	switch Op(a.Op()) {
	case OpRequest:
		r.metrics.rxRequests.Inc(1)

		a.SetOp(header.ARPReply)
		copy(a.HardwareAddressTarget(), a.HardwareAddressSender())
		copy(a.ProtocolAddressTarget(), a.ProtocolAddressSender())
		r.p.LinkAddress().PutBytes(a.HardwareAddressSender())
		putIP(a.ProtocolAddressSender(), local)

		if r.l.Level >= logrus.DebugLevel {
			r.l.WithField("requester", ipFrom(a.ProtocolAddressTarget())).Debug("Answering arp request")
		}
		return true

	case OpReply:
		r.metrics.rxReplies.Inc(1)

		ip := ipFrom(a.ProtocolAddressSender())
		la := ethernet.AddressFromBytes(a.HardwareAddressSender())
		if !r.cache.Insert(ip, la) {
			r.metrics.cacheFull.Inc(1)
			return false
		}

		r.metrics.cacheInsert.Inc(1)
		r.l.WithField("ip", ip).WithField("linkAddress", la).Debug("Learned link address")
	default:
		r.metrics.rxIgnored.Inc(1)
	}

	return false
}

// RequestLinkAddress broadcasts a request for ip.
func (r *Resolver) RequestLinkAddress(ip netip.Addr) error {
	m := NewRequest(r.p.LinkAddress(), r.p.IPAddress(), ip)

	var b [MessageLen]byte
	if err := m.Encode(b[:]); err != nil {
		return util.NewContextualError("Failed to build arp request", map[string]any{"ip": ip}, err)
	}

	if err := r.p.Send(ethernet.Broadcast, ethernet.TypeARP, b[:]); err != nil {
		return err
	}

	r.metrics.txRequests.Inc(1)
	r.l.WithField("ip", ip).Debug("Sent arp request")
	return nil
}

// CachedLinkAddress returns the cached link address for ip, if any.
func (r *Resolver) CachedLinkAddress(ip netip.Addr) (ethernet.Address, bool) {
	return r.cache.Lookup(ip)
}

// Resolve returns the link address for ip, sending a single request and then
// polling the cache when it is not known yet. Nothing is retried and no time
// limit is applied: if no reply ever arrives Resolve only returns once ctx is
// done, so a background context blocks forever.
func (r *Resolver) Resolve(ctx context.Context, ip netip.Addr) (ethernet.Address, error) {
	if a, ok := r.cache.Lookup(ip); ok {
		return a, nil
	}

	if err := r.RequestLinkAddress(ip); err != nil {
		return 0, err
	}

	for {
		if a, ok := r.cache.Lookup(ip); ok {
			return a, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		runtime.Gosched()
	}
}

// Entries returns the cache contents in insertion order.
func (r *Resolver) Entries() []Entry {
	return r.cache.Entries()
}
