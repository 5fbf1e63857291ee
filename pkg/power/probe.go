package power

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	defaultProbeTimeout = 3 * time.Second
	defaultProbePort    = "443"
	icmpProtocolIPv4    = 1
)

// Prober is an out-of-band reachability check that does not depend on any
// authenticated state. It sends an ICMP echo over an unprivileged datagram
// socket and falls back to a TCP connect when ICMP is unavailable.
type Prober struct {
	Timeout time.Duration
	// TCPPort is dialled by the fallback. Defaults to 443.
	TCPPort string
	// DisableICMP skips the echo and only dials TCP.
	DisableICMP bool
}

// Probe reports nil when host answers.
func (p Prober) Probe(ctx context.Context, host string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !p.DisableICMP {
		err := p.echo(ctx, host)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errICMPUnavailable) {
			return err
		}
	}
	return p.dial(ctx, host)
}

var errICMPUnavailable = errors.New("icmp unavailable")

func (p Prober) echo(ctx context.Context, host string) error {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}
	var target net.IP
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			target = ip4
			break
		}
	}
	if target == nil {
		return errICMPUnavailable
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		// unprivileged ping sockets are disabled on this host
		return fmt.Errorf("%w: %v", errICMPUnavailable, err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: 0xbc, Seq: 1, Data: []byte("chamicore-bmc")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errICMPUnavailable, err)
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", errICMPUnavailable, err)
	}
	if _, err := conn.WriteTo(payload, &net.UDPAddr{IP: target}); err != nil {
		return fmt.Errorf("%w: %v", errICMPUnavailable, err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("no echo reply from %s: %w", host, err)
		}
		reply, err := icmp.ParseMessage(icmpProtocolIPv4, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type == ipv4.ICMPTypeEchoReply {
			return nil
		}
	}
}

func (p Prober) dial(ctx context.Context, host string) error {
	port := p.TCPPort
	if port == "" {
		port = defaultProbePort
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", net.JoinHostPort(host, port), err)
	}
	return conn.Close()
}
