package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/w9cv/elproxy/pkg/elproto"
)

var (
	errBadPassword   = errors.New("bad password digest")
	errNotAuthorized = errors.New("callsign not authorized")
)

// A worker serves one slot: it waits for the acceptor to hand it a client
// connection, authorizes the client, then drives the slot relay until the
// session ends. The conn field doubles as the busy marker; it is set only by
// the acceptor's offer and cleared only by the worker itself.
type worker struct {
	p    *Proxy
	idx  int
	wake chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

// offer hands conn to the worker, failing when it is already serving a
// client. Once stored, the acceptor never touches the connection again.
func (w *worker) offer(conn net.Conn) bool {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return false
	}
	w.conn = conn
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// dropClient closes the worker's current client connection, if any, which
// unblocks whatever read the worker is sitting in.
func (w *worker) dropClient() {
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
}

func (w *worker) run() {
	for {
		select {
		case <-w.p.stop:
			return
		case <-w.wake:
		}
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			continue
		}
		w.serve(conn)
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}
}

func (w *worker) serve(conn net.Conn) {
	defer conn.Close()
	log := w.p.Logger.With().Int("worker", w.idx).Str("remote", remoteAddr(conn)).Logger()

	cs, err := w.authorize(conn)
	if err != nil {
		switch {
		case errors.Is(err, errBadPassword):
			w.p.m.auth.badPassword.Inc()
			elproto.WriteFrame(conn, elproto.SystemBadPassword)
			log.Info().Str("callsign", cs).Msg("client presented a bad password")
		case errors.Is(err, errNotAuthorized):
			w.p.m.auth.denied.Inc()
			elproto.WriteFrame(conn, elproto.SystemNotAuthorized)
			log.Info().Str("callsign", cs).Msg("callsign not authorized")
		case isTransportError(err):
			w.p.m.auth.transport.Inc()
			log.Warn().Err(err).Msg("client lost during authorization")
		default:
			w.p.m.auth.protocol.Inc()
			log.Error().Err(err).Msg("authorization protocol error")
		}
		return
	}
	w.p.m.auth.success.Inc()

	sess := w.findSlot(conn, cs)
	if sess == nil {
		w.p.m.sessionReason("no_slot")
		log.Info().Str("callsign", cs).Msg("no usable slot for client")
		return
	}
	s := sess.s
	w.p.updateRegistration()
	log.Info().Str("callsign", cs).Int("slot", s.idx).Msg("client connected")

	start := time.Now()
	reason := sess.run()
	s.release()
	w.p.updateRegistration()
	w.p.m.sessionReason(reason)

	end := time.Now()
	log.Info().
		Str("callsign", cs).
		Int("slot", s.idx).
		Str("reason", reason).
		Dur("duration", end.Sub(start)).
		Uint64("bytes_in", sess.bytesIn.Load()).
		Uint64("bytes_out", sess.bytesOut.Load()).
		Msg("client disconnected")

	if w.p.Sessions != nil {
		if err := w.p.Sessions.RecordSession(Session{
			Callsign:   cs,
			RemoteAddr: remoteAddr(conn),
			Slot:       s.idx,
			StartedAt:  start,
			EndedAt:    end,
			BytesIn:    sess.bytesIn.Load(),
			BytesOut:   sess.bytesOut.Load(),
			Disconnect: reason,
		}); err != nil {
			log.Err(err).Msg("record session")
		}
	}
}

// authorize runs the nonce handshake over conn and checks the callsign
// rules. The callsign is returned even when authorization fails, for
// logging.
func (w *worker) authorize(conn net.Conn) (string, error) {
	nonce, err := elproto.Nonce()
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, nonce); err != nil {
		return "", fmt.Errorf("send nonce: %w", err)
	}
	cs, resp, err := elproto.ReadLogin(conn)
	if err != nil {
		return "", fmt.Errorf("read login: %w", err)
	}
	if resp != elproto.Response(w.p.Password, nonce) {
		return cs, errBadPassword
	}
	if !w.p.rules.Allowed(cs) {
		return cs, errNotAuthorized
	}
	return cs, nil
}

// findSlot linearly probes the usable slots for one that can take the
// session. The pairing is one-to-one in practice, but the linear search
// tolerates a pool that has been partially shut down.
func (w *worker) findSlot(conn net.Conn, cs string) *session {
	usable := w.p.usableClients()
	for i := 0; i < usable && i < len(w.p.slots); i++ {
		if sess := w.p.slots[i].acquire(conn, cs); sess != nil {
			return sess
		}
	}
	return nil
}

// isTransportError reports whether err is an ordinary lost-connection error
// rather than a protocol violation.
func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, e := range []error{syscall.ECONNRESET, syscall.EPIPE, syscall.EINTR, syscall.ENOTCONN} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
