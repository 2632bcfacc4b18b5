package barenet

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/arp"
	"github.com/slackhq/barenet/capture"
	"github.com/slackhq/barenet/dma"
	"github.com/slackhq/barenet/ethernet"
	"github.com/slackhq/barenet/hw"
	"github.com/slackhq/barenet/pcnet"
	"github.com/slackhq/barenet/pcnet/sim"
	"golang.org/x/sync/errgroup"
)

// Control is the handle on a running network stack returned by Main.
type Control struct {
	l          *logrus.Logger
	mem        *dma.Arena
	interrupts *hw.InterruptController
	device     *sim.Device
	wire       *sim.Wire
	driver     *pcnet.Driver
	dispatcher *ethernet.Dispatcher
	resolver   *arp.Resolver
	capture    *capture.Writer
	peers      []simPeer

	resolveTargets []netip.Addr
	resolveTimeout time.Duration
	statsStart     func(ctx context.Context) error

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start activates the NIC and starts interrupt delivery, the stats exporter,
// peer requests and the configured resolutions. It does not block, see
// ShutdownBlock.
func (c *Control) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, ctx = errgroup.WithContext(ctx)

	c.group.Go(func() error {
		return c.interrupts.Run(ctx)
	})

	c.driver.Activate()

	if c.statsStart != nil {
		c.group.Go(func() error {
			return c.statsStart(ctx)
		})
	}

	for _, p := range c.peers {
		if !p.ask || !c.driver.IPAddress().IsValid() {
			continue
		}

		if err := p.Ask(c.driver.IPAddress()); err != nil {
			c.l.WithError(err).WithField("peer", p.IP()).Error("Peer request failed")
		}
	}

	for _, ip := range c.resolveTargets {
		ip := ip
		c.group.Go(func() error {
			c.resolve(ctx, ip)
			return nil
		})
	}

	c.l.WithField("linkAddress", c.driver.LinkAddress()).WithField("ip", c.driver.IPAddress()).Info("Network stack started")
}

func (c *Control) resolve(ctx context.Context, ip netip.Addr) {
	if c.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.resolveTimeout)
		defer cancel()
	}

	l := c.l.WithField("ip", ip)
	a, err := c.resolver.Resolve(ctx, ip)
	switch {
	case err == nil:
		l.WithField("linkAddress", a).Info("Resolved link address")
	case errors.Is(err, context.DeadlineExceeded):
		l.Warn("No arp reply before the resolve timeout")
	case errors.Is(err, context.Canceled):
	default:
		l.WithError(err).Error("Failed to resolve link address")
	}
}

// Stop shuts the stack down and returns once everything Start started has
// returned. The Control must not be used afterward.
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
		if err := c.group.Wait(); err != nil {
			c.l.WithError(err).Error("Background task failed")
		}
	}

	c.driver.Deactivate()
	c.resolver.Close()

	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close capture file")
		}
	}

	if err := c.mem.Close(); err != nil {
		c.l.WithError(err).Error("Failed to unmap dma memory")
	}

	c.l.Info("Goodbye")
}

// ShutdownBlock blocks until SIGTERM or SIGINT and then calls Stop.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	rawSig := <-sigChan
	c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	c.Stop()
}

// Resolve returns the link address for ip, asking the network if it is not
// cached. Without a deadline on ctx it waits for as long as it takes.
func (c *Control) Resolve(ctx context.Context, ip netip.Addr) (ethernet.Address, error) {
	return c.resolver.Resolve(ctx, ip)
}

// ARPEntries returns the address cache in the order it was learned.
func (c *Control) ARPEntries() []arp.Entry {
	return c.resolver.Entries()
}

// Send frames payload for dst and transmits it.
func (c *Control) Send(dst ethernet.Address, t ethernet.Type, payload []byte) error {
	return c.dispatcher.Send(dst, t, payload)
}

func (c *Control) LinkAddress() ethernet.Address {
	return c.driver.LinkAddress()
}

func (c *Control) IPAddress() netip.Addr {
	return c.driver.IPAddress()
}

// Peers returns the simulated hosts sharing the wire.
func (c *Control) Peers() []*sim.Peer {
	return c.wire.Peers()
}

// Device returns the device model behind the driver.
func (c *Control) Device() *sim.Device {
	return c.device
}
