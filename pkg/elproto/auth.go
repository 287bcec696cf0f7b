package elproto

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// NonceLen is the length of the hex nonce sent to a connecting client.
const NonceLen = 8

// MaxCallsign is the longest callsign accepted in a login record.
const MaxCallsign = 10

// Fixed messages sent before closing an unauthorized client.
var (
	SystemBadPassword   = Frame{Op: System, Data: []byte{0x01}}
	SystemNotAuthorized = Frame{Op: System, Data: []byte{0x02}}
)

// Nonce draws a fresh 32-bit value and renders it as the 8 lowercase hex
// characters sent to the client at the start of the handshake.
func Nonce() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return FormatNonce(binary.BigEndian.Uint32(b[:])), nil
}

// FormatNonce renders v as exactly 8 lowercase hex characters.
func FormatNonce(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// Response computes the digest a client must present for password and nonce:
// MD5 of the password with ASCII lowercase folded to uppercase (other bytes
// pass unchanged), followed by the nonce characters.
func Response(password, nonce string) [md5.Size]byte {
	b := make([]byte, 0, len(password)+len(nonce))
	for i := 0; i < len(password); i++ {
		c := password[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		b = append(b, c)
	}
	b = append(b, nonce...)
	return md5.Sum(b)
}

// ReadLogin reads the client's login record: the callsign, a newline, and
// the 16-byte response digest. The callsign must terminate within the first
// 11 bytes. The read consumes exactly len(callsign)+17 bytes from r,
// matching the historical proxy byte-for-byte; deviating breaks deployed
// clients.
func ReadLogin(r io.Reader) (callsign string, response [md5.Size]byte, err error) {
	var first [md5.Size]byte
	if _, err = io.ReadFull(r, first[:]); err != nil {
		return
	}
	idx := bytes.IndexByte(first[:MaxCallsign+1], '\n')
	if idx < 0 {
		err = fmt.Errorf("%w: login record has no callsign terminator", ErrProtocol)
		return
	}
	callsign = string(first[:idx])
	rest := make([]byte, idx+1)
	if _, err = io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return
	}
	n := copy(response[:], first[idx+1:])
	copy(response[n:], rest)
	return
}
