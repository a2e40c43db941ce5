package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startDNSServer serves records for a fixed set of test names on a random
// UDP port and returns its address.
func startDNSServer(t *testing.T, h dns.Handler) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return pc.LocalAddr().String()
}

func testHandler(t *testing.T) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)

		rr := func(s string) dns.RR {
			r, err := dns.NewRR(s)
			if err != nil {
				t.Errorf("NewRR(%q): %v", s, err)
			}
			return r
		}

		switch req.Question[0].Name {
		case "example.":
			m.Answer = append(m.Answer,
				rr("example. 60 IN A 192.0.2.10"),
				rr("example. 60 IN A 192.0.2.11"))
		case "alias.test.":
			m.Answer = append(m.Answer,
				rr("alias.test. 60 IN CNAME target.test."),
				rr("target.test. 60 IN A 198.51.100.7"))
		case "empty.test.":
		case "servfail.test.":
			m.Rcode = dns.RcodeServerFailure
		default:
			m.Rcode = dns.RcodeNameError
		}

		_ = w.WriteMsg(m)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	addr := startDNSServer(t, testHandler(t))

	r, err := New(Config{Servers: []string{addr}, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		want    netip.Addr
		wantErr error
	}{
		{name: "example", want: netip.MustParseAddr("192.0.2.10")},
		{name: "EXAMPLE", want: netip.MustParseAddr("192.0.2.10")},
		{name: "alias.test", want: netip.MustParseAddr("198.51.100.7")},
		{name: "203.0.113.5", want: netip.MustParseAddr("203.0.113.5")},
		{name: "empty.test", wantErr: ErrNoRecords},
		{name: "nonexistent.invalid", wantErr: ErrNoRecords},
		{name: "servfail.test", wantErr: ErrLookupFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			got, err := r.Resolve(ctx, tt.name)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got err %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveFallsThroughServers(t *testing.T) {
	t.Parallel()

	failing := startDNSServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	}))
	good := startDNSServer(t, testHandler(t))

	r, err := New(Config{Servers: []string{failing, good}, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Resolve(context.Background(), "example")
	if err != nil {
		t.Fatal(err)
	}
	if got != netip.MustParseAddr("192.0.2.10") {
		t.Fatalf("got %s", got)
	}
}

func TestResolveUnreachableServer(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()

	r, err := New(Config{Servers: []string{addr}, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Resolve(context.Background(), "example"); !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("got err %v, want ErrLookupFailed", err)
	}
}

func TestResolveContextCanceled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	addr := startDNSServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		<-block
	}))
	t.Cleanup(func() { close(block) })

	r, err := New(Config{Servers: []string{addr}, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := r.Resolve(ctx, "example"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got err %v, want deadline exceeded", err)
	}
}

func TestResolveTruncatedRetriesOverTCP(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		_ = pc.Close()
		t.Skipf("tcp port matching udp port unavailable: %v", err)
	}

	h := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if _, udp := w.RemoteAddr().(*net.UDPAddr); udp {
			m.Truncated = true
		} else {
			rr, _ := dns.NewRR("example. 60 IN A 192.0.2.99")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	for _, srv := range []*dns.Server{{PacketConn: pc, Handler: h}, {Listener: ln, Handler: h}} {
		started := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }
		go func() {
			_ = srv.ActivateAndServe()
		}()
		<-started
		t.Cleanup(func() {
			_ = srv.Shutdown()
		})
	}

	r, err := New(Config{Servers: []string{pc.LocalAddr().String()}, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Resolve(context.Background(), "example")
	if err != nil {
		t.Fatal(err)
	}
	if got != netip.MustParseAddr("192.0.2.99") {
		t.Fatalf("got %s", got)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	r, err := New(Config{Servers: []string{"192.0.2.53", "[2001:db8::53]", "192.0.2.54:5353", " "}})
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(r.Servers(), ",")
	want := "192.0.2.53:53,[2001:db8::53]:53,192.0.2.54:5353"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	if _, err := New(Config{Servers: []string{" "}}); err == nil {
		t.Fatal("expected error for blank server list")
	}

	if len(SystemServers()) == 0 {
		t.Fatal("SystemServers returned nothing")
	}
}
