package proxy

import (
	"net"
)

// Process drives one acceptance cycle: it blocks until a client connects,
// then hands the connection to the first idle worker. When every usable slot
// is busy the connection is closed and Process still succeeds. An error is
// returned only when accepting fails, which is how Shutdown terminates the
// host's accept loop.
func (p *Proxy) Process() error {
	conn, err := p.ln.Accept()
	if err != nil {
		p.m.accepts.err.Inc()
		return err
	}
	usable := p.usableClients()
	for i := 0; i < usable && i < len(p.workers); i++ {
		if p.workers[i].offer(conn) {
			p.m.accepts.handoff.Inc()
			return nil
		}
	}
	p.m.accepts.busy.Inc()
	p.Logger.Info().Str("remote", remoteAddr(conn)).Msg("no idle slot for client")
	conn.Close()
	return nil
}

// Serve calls Process in a loop until the listener is closed.
func (p *Proxy) Serve() error {
	for {
		if err := p.Process(); err != nil {
			return err
		}
	}
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "?"
}
