// Package ssh holds the shared SSH session that sockssh multiplexes proxied
// connections over.
//
// A [Session] is dialed and authenticated once at startup and then hands out
// one "direct-tcpip" channel per proxied connection, the same mechanism as
// SSH dynamic port forwarding (ssh -D). Opening a channel is serialized by a
// lock held only for the open round trip; reads and writes on opened
// channels take no lock. A Session is never redialed: once the transport
// dies every later open fails with [ErrChannelOpen].
//
// Authentication supports passwords, private key files and the SSH agent.
// Host keys are checked against a known_hosts file with trust on first use.
//
// Example usage:
//
//	signers, closeAgent, _ := ssh.LoadSigners("agent")
//	defer closeAgent()
//	hostKeyCallback, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts", logger)
//
//	sess, err := ssh.Dial(ctx, "ssh.example.com:22", ssh.ClientConfig{
//	    Username:        "user",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeyCallback,
//	}, &net.Dialer{}, logger)
//
//	ch, reqs, err := sess.OpenDirect(ctx, "192.0.2.1", 80, "127.0.0.1", 50000)
package ssh
