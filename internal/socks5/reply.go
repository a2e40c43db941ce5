package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Reply codes used when a request cannot be served.
const (
	RepGeneralFailure      = txsocks5.RepServerFailure
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

// WriteSuccessReply writes a success reply whose bound address is the
// request's own DST.ADDR and DST.PORT, echoed back with the request's
// address type. Clients ignore the bound address of a CONNECT reply, and
// echoing keeps the reply well-formed for every address type.
func WriteSuccessReply(w io.Writer, req *Request) error {
	if len(req.raw) < 2 {
		return fmt.Errorf("success reply: request has no address")
	}

	addr, port := req.raw[:len(req.raw)-2], req.raw[len(req.raw)-2:]
	if req.IsDomain() {
		// NewReply adds the length prefix back.
		addr = addr[1:]
	}

	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, req.AddrType, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a reply carrying rep and a zero IPv4 bound
// address.
func WriteFailureReply(w io.Writer, rep byte) error {
	r := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
	if _, err := r.WriteTo(w); err != nil {
		return fmt.Errorf("failure reply: %w", err)
	}
	return nil
}
