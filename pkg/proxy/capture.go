package proxy

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/w9cv/elproxy/pkg/elproto"
)

// Capture writes per-session frame traces to JSON-lines files for protocol
// debugging. The traces contain full payloads; keep the directory private.
type Capture struct {
	Dir    string
	Gzip   bool
	Logger zerolog.Logger
}

// Session opens a trace file for a new session. A nil result (returned when
// the file cannot be created) is a valid no-op capture.
func (c *Capture) Session(slot int, callsign string) *SessionCapture {
	name := fmt.Sprintf("elproxy-session-%d-slot%d.jsonl", time.Now().UnixNano(), slot)
	if c.Gzip {
		name += ".gz"
	}
	f, err := os.OpenFile(filepath.Join(c.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		c.Logger.Err(err).Msg("open capture file")
		return nil
	}
	sc := &SessionCapture{f: f}
	var w io.Writer = f
	if c.Gzip {
		sc.z = gzip.NewWriter(f)
		w = sc.z
	}
	sc.enc = json.NewEncoder(w)
	sc.enc.Encode(captureRecord{
		Time:     time.Now(),
		Callsign: callsign,
		Slot:     slot,
	})
	return sc
}

// SessionCapture traces the frames of a single session.
type SessionCapture struct {
	mu  sync.Mutex
	f   *os.File
	z   *gzip.Writer
	enc *json.Encoder
}

type captureRecord struct {
	Time     time.Time `json:"time"`
	Callsign string    `json:"callsign,omitempty"`
	Slot     int       `json:"slot,omitempty"`
	Dir      string    `json:"dir,omitempty"`
	Op       string    `json:"op,omitempty"`
	Addr     string    `json:"addr,omitempty"`
	Len      int       `json:"len,omitempty"`
	Data     string    `json:"data,omitempty"`
}

// Frame appends one relayed frame to the trace. dir is "rx" for frames from
// the client and "tx" for frames to it.
func (sc *SessionCapture) Frame(dir string, f elproto.Frame) {
	if sc == nil {
		return
	}
	r := captureRecord{
		Time: time.Now(),
		Dir:  dir,
		Op:   f.Op.String(),
		Len:  len(f.Data),
		Data: hex.EncodeToString(f.Data),
	}
	if f.Addr.IsValid() {
		r.Addr = f.Addr.String()
	}
	sc.mu.Lock()
	sc.enc.Encode(r)
	sc.mu.Unlock()
}

// Close flushes and closes the trace file.
func (sc *SessionCapture) Close() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.z != nil {
		sc.z.Close()
	}
	sc.f.Close()
}
