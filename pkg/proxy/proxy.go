// Package proxy implements the EchoLink proxy core: the client listener, the
// authorization handshake, and per-slot relaying of client traffic to the
// EchoLink peer network.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w9cv/elproxy/pkg/callsign"
	"github.com/w9cv/elproxy/pkg/elproto"
)

// Updater receives slot occupancy changes for directory registration.
type Updater interface {
	Update(used, total int)
}

// A Session describes one finished client session for the session log.
type Session struct {
	Callsign   string
	RemoteAddr string
	Slot       int
	StartedAt  time.Time
	EndedAt    time.Time
	BytesIn    uint64
	BytesOut   uint64
	Disconnect string
}

// SessionLog records finished sessions. Implementations must be safe for
// concurrent use.
type SessionLog interface {
	RecordSession(Session) error
}

// PeerPorts overrides the EchoLink peer ports. The zero value uses the
// standard ports (5200/5199/5198).
type PeerPorts struct {
	TCP     uint16
	UDPData uint16
	UDPCtrl uint16
}

// Proxy relays EchoLink client traffic between authorized proxy clients and
// the EchoLink peer network. Fields must be set before Open and not touched
// afterwards.
type Proxy struct {
	Logger zerolog.Logger

	// Addr is the address the client listener binds.
	Addr string

	// Password is the shared proxy password clients authenticate with.
	Password string

	// External is the external address whose IP is exposed to EchoLink
	// peers on behalf of slot 0's client. ExternalAdd lists additional
	// external addresses; each defines an extra slot.
	External    netip.Addr
	ExternalAdd []netip.Addr

	// CallsAllowed and CallsDenied are optional regular expressions over
	// callsigns.
	CallsAllowed string
	CallsDenied  string

	Registration Updater    // optional
	Sessions     SessionLog // optional
	Capture      *Capture   // optional

	// Ports overrides the peer ports, for tests.
	Ports PeerPorts

	// DialTimeout bounds peer TCP connect attempts. Defaults to 10s.
	DialTimeout time.Duration

	rules   *callsign.Rules
	ln      net.Listener
	slots   []*slot
	workers []*worker
	stop    chan struct{}
	wg      sync.WaitGroup

	pmu    sync.RWMutex
	usable int

	opened, started, closed bool

	m proxyMetrics
}

// Open validates the configuration, creates the per-address slots and
// workers, and binds the listener and per-slot UDP sockets. On failure,
// everything already bound is released.
func (p *Proxy) Open() error {
	if p.opened {
		return errors.New("proxy already opened")
	}
	if len(p.ExternalAdd) != 0 && (!p.External.IsValid() || p.External.IsUnspecified()) {
		return errors.New("additional external bind addresses require a specific external bind address")
	}
	rules, err := callsign.Compile(p.CallsAllowed, p.CallsDenied)
	if err != nil {
		return fmt.Errorf("callsign rules: %w", err)
	}
	p.rules = rules
	if p.DialTimeout == 0 {
		p.DialTimeout = 10 * time.Second
	}
	ports := p.Ports
	if ports == (PeerPorts{}) {
		ports = PeerPorts{TCP: elproto.PortTCP, UDPData: elproto.PortUDPData, UDPCtrl: elproto.PortUDPCtrl}
	}
	p.initMetrics()

	srcs := make([]netip.Addr, 0, 1+len(p.ExternalAdd))
	if p.External.IsValid() {
		srcs = append(srcs, p.External)
	} else {
		srcs = append(srcs, netip.IPv4Unspecified())
	}
	srcs = append(srcs, p.ExternalAdd...)

	var success bool
	defer func() {
		if !success {
			for _, s := range p.slots {
				s.closeSockets()
			}
			p.slots, p.workers = nil, nil
		}
	}()
	for i, src := range srcs {
		s, err := newSlot(p, i, src, ports)
		if err != nil {
			return err
		}
		p.slots = append(p.slots, s)
	}
	for i := range p.slots {
		p.workers = append(p.workers, &worker{p: p, idx: i, wake: make(chan struct{}, 1)})
	}

	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", p.Addr, err)
	}
	p.ln = ln
	p.stop = make(chan struct{})
	p.opened = true
	success = true
	return nil
}

// Start launches the slot datagram pumps and the worker goroutines, then
// makes every slot eligible for clients.
func (p *Proxy) Start() error {
	if !p.opened {
		return errors.New("proxy not opened")
	}
	if p.started {
		return errors.New("proxy already started")
	}
	for _, s := range p.slots {
		s := s
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			s.pumpUDP(s.udpData, elproto.UDPData)
		}()
		go func() {
			defer p.wg.Done()
			s.pumpUDP(s.udpCtrl, elproto.UDPCtrl)
		}()
	}
	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	p.pmu.Lock()
	p.usable = len(p.slots)
	p.pmu.Unlock()
	p.started = true
	p.updateRegistration()
	return nil
}

// LocalAddr returns the address the client listener is bound to.
func (p *Proxy) LocalAddr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// usableClients reads the current usable slot count.
func (p *Proxy) usableClients() int {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return p.usable
}

// SlotsUsed counts slots currently serving a client.
func (p *Proxy) SlotsUsed() int {
	var n int
	for _, s := range p.slots {
		if s.inUse.Load() {
			n++
		}
	}
	return n
}

// updateRegistration reports the current occupancy to the registration
// collaborator. It is called after every transition that could change it.
func (p *Proxy) updateRegistration() {
	if p.Registration == nil {
		return
	}
	p.Registration.Update(p.SlotsUsed(), p.usableClients())
}

// Shutdown stops the proxy from taking new clients: the usable slot count
// drops to zero and the listener is closed, which unblocks any Process call
// with a transport error. Shutdown never fails; it logs and continues.
func (p *Proxy) Shutdown() {
	p.pmu.Lock()
	p.usable = 0
	p.pmu.Unlock()
	p.updateRegistration()
	if p.ln != nil {
		if err := p.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.Logger.Warn().Err(err).Msg("close listener")
		}
	}
}

// Drop forcibly terminates every in-flight client session, including clients
// still in the authorization handshake.
func (p *Proxy) Drop() {
	for _, w := range p.workers {
		w.dropClient()
	}
}

// Close shuts the proxy down, drops remaining clients, stops the slot pumps,
// and waits for every worker to return to idle. It is safe to call more than
// once.
func (p *Proxy) Close() {
	if !p.opened || p.closed {
		return
	}
	p.closed = true
	p.Shutdown()
	p.Drop()
	close(p.stop)
	for _, s := range p.slots {
		s.closeSockets()
	}
	p.wg.Wait()
}
