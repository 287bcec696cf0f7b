package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/w9cv/elproxy/pkg/elproto"
)

// A slot owns one external source address and the EchoLink-facing sockets
// bound to it. It serves at most one client at a time. The UDP sockets stay
// bound for the proxy's lifetime; the peer TCP connection is opened on
// demand per session.
type slot struct {
	p     *Proxy
	idx   int
	src   netip.Addr
	ports PeerPorts
	log   zerolog.Logger

	udpData *net.UDPConn
	udpCtrl *net.UDPConn

	inUse atomic.Bool
	cur   atomic.Pointer[session]
}

// A session is one authorized client being relayed by a slot.
type session struct {
	s        *slot
	client   net.Conn
	callsign string
	cap      *SessionCapture

	wmu sync.Mutex // serializes frames written to the client socket

	mu  sync.Mutex // guards tcp
	tcp net.Conn

	bytesIn, bytesOut atomic.Uint64
}

func newSlot(p *Proxy, idx int, src netip.Addr, ports PeerPorts) (*slot, error) {
	s := &slot{
		p:     p,
		idx:   idx,
		src:   src,
		ports: ports,
		log:   p.Logger.With().Int("slot", idx).Stringer("source", src).Logger(),
	}
	bind := func(port uint16) (*net.UDPConn, error) {
		return net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(src, port)))
	}
	var err error
	if s.udpData, err = bind(ports.UDPData); err != nil {
		return nil, fmt.Errorf("slot %d: bind udp data socket: %w", idx, err)
	}
	if s.udpCtrl, err = bind(ports.UDPCtrl); err != nil {
		s.udpData.Close()
		return nil, fmt.Errorf("slot %d: bind udp control socket: %w", idx, err)
	}
	return s, nil
}

func (s *slot) closeSockets() {
	if s.udpData != nil {
		s.udpData.Close()
	}
	if s.udpCtrl != nil {
		s.udpCtrl.Close()
	}
}

// acquire reserves the slot for a client, returning the new session, or nil
// when the slot is already serving one.
func (s *slot) acquire(conn net.Conn, callsign string) *session {
	if !s.inUse.CompareAndSwap(false, true) {
		return nil
	}
	sess := &session{s: s, client: conn, callsign: callsign}
	if s.p.Capture != nil {
		sess.cap = s.p.Capture.Session(s.idx, callsign)
	}
	s.cur.Store(sess)
	return sess
}

// release ends the slot's current session. The peer TCP connection is
// closed, and datagrams keep being discarded by the pumps until the next
// session, which leaves the UDP sockets drained of stale traffic.
func (s *slot) release() {
	sess := s.cur.Swap(nil)
	if sess == nil {
		return
	}
	sess.closeTCP(false)
	sess.cap.Close()
	s.inUse.Store(false)
}

// pumpUDP forwards datagrams arriving on conn to the active session's client
// as op frames. It runs for the proxy's lifetime; datagrams arriving between
// sessions are discarded.
func (s *slot) pumpUDP(conn *net.UDPConn, op elproto.Opcode) {
	buf := make([]byte, elproto.MaxFrameData)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		sess := s.cur.Load()
		if sess == nil {
			continue
		}
		sess.writeFrame(elproto.Frame{Op: op, Addr: addr.Addr().Unmap(), Data: buf[:n]})
	}
}

// run relays frames between the client and the peer sockets until the client
// goes away. It returns a short description of why the session ended.
func (sess *session) run() string {
	for {
		f, err := elproto.ReadFrame(sess.client)
		if err != nil {
			sess.closeTCP(false)
			if errors.Is(err, elproto.ErrProtocol) {
				sess.s.log.Error().Err(err).Str("callsign", sess.callsign).Msg("client protocol violation")
				return "protocol_error"
			}
			if !isTransportError(err) {
				sess.s.log.Warn().Err(err).Str("callsign", sess.callsign).Msg("client read failed")
			}
			return "disconnected"
		}
		sess.s.p.m.frame("rx", f)
		sess.bytesIn.Add(uint64(len(f.Data)))
		sess.cap.Frame("rx", f)

		switch f.Op {
		case elproto.TCPOpen:
			sess.handleTCPOpen(f.Addr)
		case elproto.TCPData:
			sess.handleTCPData(f.Data)
		case elproto.TCPClose:
			sess.closeTCP(false)
		case elproto.UDPData:
			sess.sendUDP(sess.s.udpData, sess.s.ports.UDPData, f)
		case elproto.UDPCtrl:
			sess.sendUDP(sess.s.udpCtrl, sess.s.ports.UDPCtrl, f)
		default:
			// TCP_STATUS and SYSTEM only flow proxy-to-client.
			sess.closeTCP(false)
			sess.s.log.Error().Stringer("op", f.Op).Str("callsign", sess.callsign).Msg("client sent a server-only opcode")
			return "protocol_error"
		}
	}
}

// handleTCPOpen connects the slot's peer TCP to addr, replacing any existing
// peer connection, and reports the result to the client.
func (sess *session) handleTCPOpen(addr netip.Addr) {
	sess.closeTCP(false)
	s := sess.s
	d := net.Dialer{Timeout: s.p.DialTimeout}
	if s.src.IsValid() && !s.src.IsUnspecified() {
		d.LocalAddr = &net.TCPAddr{IP: s.src.AsSlice()}
	}
	conn, err := d.Dial("tcp4", netip.AddrPortFrom(addr, s.ports.TCP).String())
	if err != nil {
		s.log.Warn().Err(err).Stringer("peer", addr).Msg("peer connection failed")
		sess.writeFrame(elproto.StatusFrame(addr, errnoOf(err)))
		return
	}
	sess.mu.Lock()
	sess.tcp = conn
	sess.mu.Unlock()
	sess.writeFrame(elproto.StatusFrame(addr, 0))
	go sess.pumpTCP(conn, addr)
}

// handleTCPData writes payload to the peer TCP connection. Without one, or
// when the write fails, the client is told the stream is gone.
func (sess *session) handleTCPData(b []byte) {
	sess.mu.Lock()
	conn := sess.tcp
	sess.mu.Unlock()
	if conn == nil {
		sess.writeFrame(elproto.Frame{Op: elproto.TCPClose})
		return
	}
	if _, err := conn.Write(b); err != nil {
		sess.closeTCP(true)
	}
}

// pumpTCP forwards bytes from the peer TCP connection to the client until
// the peer closes or the session replaces the connection.
func (sess *session) pumpTCP(conn net.Conn, addr netip.Addr) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sess.writeFrame(elproto.Frame{Op: elproto.TCPData, Addr: addr, Data: buf[:n]})
		}
		if err != nil {
			sess.mu.Lock()
			current := sess.tcp == conn
			if current {
				sess.tcp = nil
			}
			sess.mu.Unlock()
			conn.Close()
			if current {
				sess.writeFrame(elproto.Frame{Op: elproto.TCPClose, Addr: addr})
			}
			return
		}
	}
}

// closeTCP closes the peer TCP connection, if open. When notify is set the
// client is told with a TCP_CLOSE frame. The pump recognizes the connection
// is no longer current and exits silently.
func (sess *session) closeTCP(notify bool) {
	sess.mu.Lock()
	conn := sess.tcp
	sess.tcp = nil
	sess.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	if notify {
		sess.writeFrame(elproto.Frame{Op: elproto.TCPClose})
	}
}

// sendUDP sends the frame payload as a datagram to the peer named by the
// frame address.
func (sess *session) sendUDP(conn *net.UDPConn, port uint16, f elproto.Frame) {
	if _, err := conn.WriteToUDPAddrPort(f.Data, netip.AddrPortFrom(f.Addr.Unmap(), port)); err != nil {
		sess.s.log.Warn().Err(err).Stringer("peer", f.Addr).Msg("send datagram")
	}
}

// writeFrame sends one frame to the client. Frames are atomic with respect
// to other writers on the socket; write failures surface as the client read
// loop terminating.
func (sess *session) writeFrame(f elproto.Frame) {
	sess.wmu.Lock()
	err := elproto.WriteFrame(sess.client, f)
	sess.wmu.Unlock()
	if err == nil {
		sess.s.p.m.frame("tx", f)
		sess.bytesOut.Add(uint64(len(f.Data)))
		sess.cap.Frame("tx", f)
	}
}

// errnoOf extracts the POSIX errno from a dial error for the TCP_STATUS
// payload.
func errnoOf(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return uint32(syscall.ETIMEDOUT)
	}
	return 1
}
