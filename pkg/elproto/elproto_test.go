package elproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	// decoding a valid wire sequence and re-encoding it must yield the
	// original bytes
	for _, c := range [][]byte{
		{0x01, 0x7f, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
		{0x02, 0x7f, 0x00, 0x00, 0x01, 0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o'},
		{0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0x04, 0xc0, 0xa8, 0x00, 0x01, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0x05, 0x0a, 0x00, 0x00, 0x02, 0x03, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe},
		{0x06, 0x0a, 0x00, 0x00, 0x02, 0x01, 0x00, 0x00, 0x00, 0xff},
		{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01},
	} {
		f, err := ReadFrame(bytes.NewReader(c))
		if err != nil {
			t.Errorf("decode % x: unexpected error: %v", c, err)
			continue
		}
		if enc := AppendFrame(nil, f); !bytes.Equal(enc, c) {
			t.Errorf("decode % x: re-encoded to % x", c, enc)
		}
	}
}

func TestReadFrameFields(t *testing.T) {
	b := []byte{0x05, 0x0a, 0x01, 0x02, 0x03, 0x02, 0x00, 0x00, 0x00, 0xaa, 0xbb}
	f, err := ReadFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != UDPData {
		t.Errorf("expected opcode %v, got %v", UDPData, f.Op)
	}
	if want := netip.MustParseAddr("10.1.2.3"); f.Addr != want {
		t.Errorf("expected addr %v, got %v", want, f.Addr)
	}
	if !bytes.Equal(f.Data, []byte{0xaa, 0xbb}) {
		t.Errorf("expected payload aa bb, got % x", f.Data)
	}
}

func TestReadFrameErrors(t *testing.T) {
	oversize := make([]byte, 9)
	oversize[0] = byte(TCPData)
	binary.LittleEndian.PutUint32(oversize[5:], MaxFrameData+1)

	for _, c := range []struct {
		name  string
		b     []byte
		proto bool
	}{
		{"OpcodeZero", []byte{0x00, 0, 0, 0, 0, 0, 0, 0, 0}, true},
		{"OpcodeUnknown", []byte{0x08, 0, 0, 0, 0, 0, 0, 0, 0}, true},
		{"Oversize", oversize, true},
		{"ShortHeader", []byte{0x02, 0, 0}, false},
		{"ShortPayload", []byte{0x02, 0, 0, 0, 0, 4, 0, 0, 0, 'x'}, false},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(c.b))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got := errors.Is(err, ErrProtocol); got != c.proto {
				t.Errorf("expected ErrProtocol=%v, got %v (%v)", c.proto, got, err)
			}
		})
	}
}

func TestReadFramePayloadSizes(t *testing.T) {
	// the maximum payload must be accepted
	b := make([]byte, 9+MaxFrameData)
	b[0] = byte(UDPData)
	binary.LittleEndian.PutUint32(b[5:9], MaxFrameData)
	f, err := ReadFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Data) != MaxFrameData {
		t.Errorf("expected %d payload bytes, got %d", MaxFrameData, len(f.Data))
	}
}

func TestWriteFrame(t *testing.T) {
	var b bytes.Buffer
	f := Frame{Op: TCPData, Addr: netip.MustParseAddr("127.0.0.1"), Data: []byte("hi")}
	if err := WriteFrame(&b, f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exp := []byte{0x02, 0x7f, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00, 0x00, 'h', 'i'}
	if !bytes.Equal(b.Bytes(), exp) {
		t.Errorf("expected % x, got % x", exp, b.Bytes())
	}

	g, err := ReadFrame(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Op != f.Op || g.Addr != f.Addr || !bytes.Equal(g.Data, f.Data) {
		t.Errorf("round trip mismatch: %+v != %+v", g, f)
	}
}

func TestStatusFrame(t *testing.T) {
	f := StatusFrame(netip.MustParseAddr("127.0.0.1"), 111)
	exp := []byte{0x04, 0x7f, 0x00, 0x00, 0x01, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x6f}
	if enc := AppendFrame(nil, f); !bytes.Equal(enc, exp) {
		t.Errorf("expected % x, got % x", exp, enc)
	}
}

func TestSystemFrames(t *testing.T) {
	for _, c := range []struct {
		name string
		f    Frame
		exp  []byte
	}{
		{"BadPassword", SystemBadPassword, []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}},
		{"NotAuthorized", SystemNotAuthorized, []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}},
	} {
		t.Run(c.name, func(t *testing.T) {
			if enc := AppendFrame(nil, c.f); !bytes.Equal(enc, c.exp) {
				t.Errorf("expected % x, got % x", c.exp, enc)
			}
		})
	}
}

func TestReadFrameEOF(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
