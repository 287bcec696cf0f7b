package elproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/w9cv/elproxy/db/sessiondb"
	"github.com/w9cv/elproxy/pkg/eldir"
	"github.com/w9cv/elproxy/pkg/memstore"
	"github.com/w9cv/elproxy/pkg/proxy"
	"golang.org/x/sync/errgroup"
)

// Server ties the proxy core to its collaborators: logging, the directory
// registration client, the session log, and process integration.
type Server struct {
	Logger       zerolog.Logger
	Proxy        *proxy.Proxy
	Registration *eldir.Client // nil when no directory is configured
	NotifySocket string

	reload []func()
	closed bool
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). It
// performs any additional config checks as required.
func NewServer(c *Config) (*Server, error) {
	var s Server

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	s.NotifySocket = c.NotifySocket

	if c.Password == "" {
		return nil, fmt.Errorf("no proxy password configured")
	}

	ext, extra, err := parseExternal(c)
	if err != nil {
		return nil, err
	}

	p := &proxy.Proxy{
		Logger:       s.Logger.With().Str("component", "proxy").Logger(),
		Addr:         net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port)),
		Password:     c.Password,
		External:     ext,
		ExternalAdd:  extra,
		CallsAllowed: c.CallsAllowed,
		CallsDenied:  c.CallsDenied,
		DialTimeout:  c.DialTimeout,
	}

	if c.RegURL != "" {
		pub := c.RegPublicAddr
		if pub == "" && ext.IsValid() {
			pub = net.JoinHostPort(ext.String(), strconv.Itoa(c.Port))
		}
		s.Registration = &eldir.Client{
			URL:        c.RegURL,
			Name:       c.RegName,
			Comment:    c.RegComment,
			PublicAddr: pub,
			Interval:   c.RegInterval,
			Logger:     s.Logger.With().Str("component", "eldir").Logger(),
		}
		p.Registration = s.Registration
	}

	if log, err := configureSessionLog(c); err == nil {
		p.Sessions = log
	} else {
		return nil, fmt.Errorf("initialize session log: %w", err)
	}

	if c.CaptureDir != "" {
		d, err := filepath.Abs(c.CaptureDir)
		if err != nil {
			return nil, fmt.Errorf("initialize capture: resolve path: %w", err)
		}
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("initialize capture: %w", err)
		}
		p.Capture = &proxy.Capture{
			Dir:    d,
			Gzip:   c.CaptureGzip,
			Logger: s.Logger.With().Str("component", "capture").Logger(),
		}
	}

	s.Proxy = p
	return &s, nil
}

func parseExternal(c *Config) (ext netip.Addr, extra []netip.Addr, err error) {
	if c.ExternalBindAddress != "" {
		if ext, err = netip.ParseAddr(c.ExternalBindAddress); err != nil {
			return ext, nil, fmt.Errorf("parse external bind address %q: %w", c.ExternalBindAddress, err)
		}
	}
	for _, a := range c.ExternalBindAddressAdd {
		x, err := netip.ParseAddr(a)
		if err != nil {
			return ext, nil, fmt.Errorf("parse additional external bind address %q: %w", a, err)
		}
		extra = append(extra, x)
	}
	if len(extra) != 0 && (!ext.IsValid() || ext.IsUnspecified()) {
		return ext, nil, fmt.Errorf("additional external bind addresses require a specific external bind address")
	}
	return ext, extra, nil
}

func configureSessionLog(c *Config) (proxy.SessionLog, error) {
	switch typ, arg, _ := strings.Cut(c.StorageSessions, ":"); typ {
	case "none":
		if arg != "" {
			return nil, fmt.Errorf("none: invalid argument %q", arg)
		}
		return nil, nil
	case "memory":
		var keep int
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("memory: invalid argument %q", arg)
			}
			keep = v
		}
		return memstore.NewSessionLog(keep), nil
	case "sqlite3":
		p, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("sqlite3: resolve %q: %w", arg, err)
		}
		db, err := sessiondb.Open(p)
		if err != nil {
			return nil, fmt.Errorf("sqlite3: %w", err)
		}
		if cur, to, err := db.Version(); err != nil {
			return nil, fmt.Errorf("sqlite3: migrate: %w", err)
		} else if cur > to {
			return nil, fmt.Errorf("sqlite3: migrate: database version %d is too new", cur)
		} else if cur != to {
			if err := db.MigrateUp(context.Background(), to); err != nil {
				return nil, fmt.Errorf("sqlite3: migrate (%d to %d): %w", cur, to, err)
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

// Run opens and starts the proxy, then serves until ctx is canceled, at
// which point everything is shut down gracefully. It must only ever be
// called once, and the server is useless afterwards.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return errors.New("server already closed")
	}

	if err := s.Proxy.Open(); err != nil {
		return fmt.Errorf("open proxy: %w", err)
	}
	if err := s.Proxy.Start(); err != nil {
		s.Proxy.Close()
		return fmt.Errorf("start proxy: %w", err)
	}
	s.Logger.Log().Msgf("accepting proxy clients on %s", s.Proxy.LocalAddr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Proxy.Serve()
		if gctx.Err() != nil {
			return nil // listener closed by shutdown
		}
		return err
	})
	if s.Registration != nil {
		g.Go(func() error {
			if err := s.Registration.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.closed = true
		s.Logger.Log().Msg("shutting down")
		go s.sdnotify("STOPPING=1")
		s.Proxy.Shutdown()
		return nil
	})
	go func() {
		select {
		case <-gctx.Done():
		case <-time.After(2 * time.Second):
			s.sdnotify("READY=1")
		}
	}()

	err := g.Wait()
	s.Proxy.Close()
	if c, ok := s.Proxy.Sessions.(io.Closer); ok {
		c.Close()
	}
	return err
}

// HandleSIGHUP reopens the log file and forces a directory re-announcement.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}

	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
	if s.Registration != nil {
		s.Registration.Refresh()
	}
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	socketAddr := &net.UnixAddr{
		Name: s.NotifySocket,
		Net:  "unixgram",
	}

	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
