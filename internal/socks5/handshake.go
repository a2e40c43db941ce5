package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	// MaxNameLen is the longest domain name accepted in a request. It is the
	// DNS limit for a name in text form; the one-byte length prefix allows up
	// to 255.
	MaxNameLen = 253
)

var (
	// ErrProtocol is wrapped by every malformed-request error.
	ErrProtocol = errors.New("socks5 protocol error")

	ErrBadVersion             = fmt.Errorf("%w: bad version", ErrProtocol)
	ErrUnsupportedCommand     = fmt.Errorf("%w: unsupported command", ErrProtocol)
	ErrUnsupportedAddressType = fmt.Errorf("%w: unsupported address type", ErrProtocol)
	ErrNameTooLong            = fmt.Errorf("%w: name too long", ErrProtocol)
	ErrEmptyName              = fmt.Errorf("%w: empty name", ErrProtocol)
)

// Request is a parsed CONNECT request.
type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	// Host is the domain name for ATYPDomain, otherwise the IP literal.
	Host string
	Port uint16

	// raw holds DST.ADDR and DST.PORT exactly as received, including the
	// length prefix of a domain name.
	raw []byte
}

// IsDomain reports whether the target was given as a domain name.
func (req *Request) IsDomain() bool {
	return req.AddrType == txsocks5.ATYPDomain
}

// Addr returns the literal target address. It is only valid when IsDomain
// is false.
func (req *Request) Addr() netip.Addr {
	a, _ := netip.ParseAddr(req.Host)
	return a
}

// Address returns host:port for logging.
func (req *Request) Address() string {
	return net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
}

// RecvGreeting reads the client greeting and accepts "no authentication"
// whatever methods were offered. It returns the offered methods.
func RecvGreeting(r io.Reader, w io.Writer) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return nil, fmt.Errorf("greeting: %w 0x%02x", ErrBadVersion, hdr[0])
	}

	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, fmt.Errorf("read greeting methods: %w", err)
	}

	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(w); err != nil {
		return nil, fmt.Errorf("greeting reply: %w", err)
	}
	return methods, nil
}

// RecvRequest reads and validates a CONNECT request.
func RecvRequest(r io.Reader) (*Request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return nil, fmt.Errorf("request: %w 0x%02x", ErrBadVersion, hdr[0])
	}
	if hdr[1] != CmdConnect {
		return nil, fmt.Errorf("request: %w 0x%02x", ErrUnsupportedCommand, hdr[1])
	}

	req := &Request{Version: hdr[0], Command: hdr[1], AddrType: hdr[3]}

	var err error
	switch req.AddrType {
	case txsocks5.ATYPIPv4:
		err = req.readIP(r, net.IPv4len)
	case txsocks5.ATYPIPv6:
		err = req.readIP(r, net.IPv6len)
	case txsocks5.ATYPDomain:
		err = req.readDomain(r)
	default:
		return nil, fmt.Errorf("request: %w 0x%02x", ErrUnsupportedAddressType, req.AddrType)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (req *Request) readIP(r io.Reader, n int) error {
	b := make([]byte, n+2)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("read address: %w", err)
	}

	addr, _ := netip.AddrFromSlice(b[:n])
	req.Host = addr.String()
	req.Port = binary.BigEndian.Uint16(b[n:])
	req.raw = b
	return nil
}

// readDomain reads the length-prefixed name and the port that follows it in
// a single read bounded by MaxNameLen.
func (req *Request) readDomain(r io.Reader) error {
	var buf [1 + MaxNameLen + 2]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return fmt.Errorf("read name length: %w", err)
	}

	n := int(buf[0])
	switch {
	case n == 0:
		return ErrEmptyName
	case n > MaxNameLen:
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, n)
	}

	if _, err := io.ReadFull(r, buf[1:n+3]); err != nil {
		return fmt.Errorf("read name: %w", err)
	}

	req.Host = string(buf[1 : n+1])
	req.Port = binary.BigEndian.Uint16(buf[n+1 : n+3])
	req.raw = append([]byte(nil), buf[:n+3]...)
	return nil
}
