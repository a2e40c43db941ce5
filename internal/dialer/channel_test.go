package dialer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	internalssh "github.com/die-net/sockssh/internal/ssh"
	"github.com/die-net/sockssh/internal/ssh/sshtest"
	"github.com/die-net/sockssh/internal/testutil"
)

func sshtestConfig() internalssh.ServerConfig {
	return internalssh.ServerConfig{Logger: zap.NewNop()}
}

// readAll collects Data messages until an EOF or ExitSignal message.
func readAll(ctx context.Context, t *testing.T, ch Channel) ([]byte, Message) {
	t.Helper()

	var got []byte
	for {
		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case m := <-ch.Messages():
			if m.Kind != MessageData {
				return got, m
			}
			got = append(got, m.Data...)
			m.Release()
		}
	}
}

func endpointOf(t *testing.T, ln net.Listener) Endpoint {
	t.Helper()
	return EndpointFromAddr(ln.Addr())
}

func TestDirectDialerOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	defer echoLn.Close()

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second, BufferSize: 4})

	ch, err := d.Open(ctx, endpointOf(t, echoLn), Endpoint{})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if _, ok := ch.(*ConnChannel); !ok {
		t.Fatalf("got %T", ch)
	}

	msg := []byte("hello, direct")
	if _, err := ch.Write(msg); err != nil {
		t.Fatal(err)
	}
	if err := ch.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, last := readAll(ctx, t, ch)
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
	if last.Kind != MessageEOF || last.Err != nil {
		t.Fatalf("got final message %v err=%v", last.Kind, last.Err)
	}

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Cancel(); err != nil {
		t.Fatalf("second close returned %v", err)
	}
}

func TestDirectDialerOpenRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dst := endpointOf(t, ln)
	_ = ln.Close()

	if _, err := NewDirectDialer(Config{DialTimeout: time.Second}).Open(ctx, dst, Endpoint{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTunnelOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	defer echoLn.Close()

	origins := make(chan internalssh.DirectTCPIP, 1)
	cfg := sshtestConfig()
	cfg.Permit = func(req internalssh.DirectTCPIP) error {
		origins <- req
		return nil
	}
	sshAddr := sshtest.StartServer(ctx, t, cfg)

	tun := NewTunnel(sshtest.Dial(ctx, t, sshAddr), Config{})

	ch, err := tun.Open(ctx, endpointOf(t, echoLn), Endpoint{Host: "127.0.0.1", Port: 5555})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	origin := <-origins
	if origin.OriginHost != "127.0.0.1" || origin.OriginPort != 5555 {
		t.Fatalf("origin not forwarded: %+v", origin)
	}

	msg := bytes.Repeat([]byte("0123456789"), 5000)
	go func() {
		_, _ = ch.Write(msg)
		_ = ch.CloseWrite()
	}()

	got, last := readAll(ctx, t, ch)
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %d bytes want %d", len(got), len(msg))
	}
	if last.Kind != MessageEOF {
		t.Fatalf("got final message %v", last.Kind)
	}
}

func TestTunnelOpenRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := sshtestConfig()
	cfg.Permit = func(internalssh.DirectTCPIP) error { return errors.New("no") }
	tun := NewTunnel(sshtest.Dial(ctx, t, sshtest.StartServer(ctx, t, cfg)), Config{})

	_, err := tun.Open(ctx, Endpoint{Host: "192.0.2.1", Port: 80}, Endpoint{})
	if !errors.Is(err, internalssh.ErrChannelOpen) {
		t.Fatalf("got err %v, want ErrChannelOpen", err)
	}
}

func TestTunnelExitSignalFollowsData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	sshAddr := sshtest.StartExitSignalServer(ctx, t, payload, "TERM")
	tun := NewTunnel(sshtest.Dial(ctx, t, sshAddr), Config{})
	defer tun.Close()

	for i := range 50 {
		ch, err := tun.Open(ctx, Endpoint{Host: "192.0.2.1", Port: 80}, Endpoint{})
		if err != nil {
			t.Fatal(err)
		}

		got, last := readAll(ctx, t, ch)
		if !bytes.Equal(got, payload) {
			t.Fatalf("round %d: got %d bytes before %v, want %d", i, len(got), last.Kind, len(payload))
		}
		if last.Kind != MessageExitSignal || last.Signal != "TERM" {
			t.Fatalf("round %d: got %v %q, want exit-signal TERM", i, last.Kind, last.Signal)
		}

		select {
		case m := <-ch.Messages():
			if m.Kind != MessageEOF {
				t.Fatalf("round %d: got %v after exit-signal, want EOF", i, m.Kind)
			}
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		}

		if err := ch.Close(); err != nil {
			t.Logf("round %d: close: %v", i, err)
		}
	}
}
