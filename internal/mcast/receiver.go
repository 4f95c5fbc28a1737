// Package mcast receives the broadcaster's multicast file carousel: it joins
// a group, reassembles the chunked files and stops once the sender looks
// finished.
//
// The protocol has no end-of-transfer signal and no acknowledgements. The
// session is over when every chunk of every file seen so far has arrived
// and GraceRounds further datagrams have arrived without announcing a new
// file. A carousel that never completes keeps the session alive; callers
// bound it with a context or Options.IdleTimeout.
package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/snapetech/mcastguide/internal/metrics"
)

const (
	// DefaultReadBuffer mirrors the kernel buffer the set-top client asks for
	// (300 datagrams) so bursts are not dropped while chunks are copied.
	DefaultReadBuffer = MaxDatagram * 300

	pollInterval = 2 * time.Second
)

// Options configures one receive session.
type Options struct {
	Name        string        // session identifier used in logs
	Interface   string        // NIC to join on; "" = system default
	ReadBuffer  int           // socket receive buffer bytes; 0 = DefaultReadBuffer
	GraceRounds int           // 0 = DefaultGraceRounds
	IdleTimeout time.Duration // stop after this long without datagrams; 0 = never
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// ErrIdle is returned when IdleTimeout elapses before the session completes.
var ErrIdle = errors.New("multicast session idle")

// SplitTarget parses "host:port". host must be an IP literal.
func SplitTarget(target string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, 0, fmt.Errorf("mcast: target %q: %w", target, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, 0, fmt.Errorf("mcast: target %q: not an IPv4 address", target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, 0, fmt.Errorf("mcast: target %q: bad port", target)
	}
	return ip.To4(), port, nil
}

// Download joins target, receives until the session completes and returns
// every reassembled file.
func Download(ctx context.Context, target string, opts Options) (map[ChunkKey][]byte, error) {
	log := opts.Logger.With().Str("session", opts.Name).Str("target", target).Logger()

	conn, leave, err := listen(target, opts)
	if err != nil {
		opts.Metrics.Session("error")
		return nil, err
	}
	defer conn.Close()
	defer leave()

	a := NewAssembler(opts.GraceRounds, opts.Metrics)
	start := time.Now()
	if err := Receive(ctx, conn, a, opts.IdleTimeout, log); err != nil {
		recv, total, files := a.Progress()
		log.Warn().Err(err).Int("received", recv).Int("total", total).Int("files", files).
			Msg("mcast: session aborted")
		opts.Metrics.Session("aborted")
		return nil, err
	}
	files := a.Files()
	log.Info().Int("files", len(files)).Dur("elapsed", time.Since(start)).
		Msg("mcast: finished downloading chunks for all files")
	opts.Metrics.Session("done")
	return files, nil
}

// DownloadStrings is Download for text files (discovery XML); the result is
// in ChunkKey order.
func DownloadStrings(ctx context.Context, target string, opts Options) ([]string, error) {
	files, err := Download(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return Strings(files), nil
}

// Strings returns the files as text in ChunkKey order.
func Strings(files map[ChunkKey][]byte) []string {
	out := make([]string, 0, len(files))
	for _, k := range SortedKeys(files) {
		out = append(out, string(files[k]))
	}
	return out
}

// Receive reads datagrams from conn into a until the session is done, ctx is
// cancelled, or idle elapses without traffic (0 = no idle limit).
func Receive(ctx context.Context, conn net.PacketConn, a *Assembler, idle time.Duration, log zerolog.Logger) error {
	buf := make([]byte, MaxDatagram)
	progress := rate.Sometimes{Interval: time.Second}
	lastData := time.Now()
	wait := pollInterval
	if idle > 0 && idle < wait {
		wait = idle
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return fmt.Errorf("mcast: set deadline: %w", err)
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if idle > 0 && time.Since(lastData) >= idle {
					return fmt.Errorf("%w: nothing for %s", ErrIdle, idle)
				}
				continue // Loop to refresh deadline
			}
			return fmt.Errorf("mcast: read: %w", err)
		}
		lastData = time.Now()

		done, err := a.Feed(buf[:n])
		if err != nil {
			log.Debug().Err(err).Int("bytes", n).Msg("mcast: ignoring bad chunk")
			continue
		}
		progress.Do(func() {
			recv, total, files := a.Progress()
			log.Debug().Int("received", recv).Int("total", total).Int("files", files).
				Str("state", a.State().String()).Msg("mcast: downloading")
		})
		if done {
			return nil
		}
	}
}

// listen opens a socket for target. Multicast groups are joined on the
// configured interface; unicast targets are bound directly.
func listen(target string, opts Options) (net.PacketConn, func(), error) {
	group, port, err := SplitTarget(target)
	if err != nil {
		return nil, nil, err
	}
	bufSize := opts.ReadBuffer
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}

	bind := net.JoinHostPort(group.String(), strconv.Itoa(port))
	if group.IsMulticast() {
		bind = net.JoinHostPort(net.IPv4zero.String(), strconv.Itoa(port))
	}
	c, err := net.ListenPacket("udp4", bind)
	if err != nil {
		return nil, nil, fmt.Errorf("mcast: listen %s: %w", bind, err)
	}
	if uc, ok := c.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(bufSize); err != nil {
			opts.Logger.Debug().Err(err).Int("bytes", bufSize).Msg("mcast: set read buffer")
		}
	}
	if !group.IsMulticast() {
		return c, func() {}, nil
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		ifi, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("mcast: interface %q: %w", opts.Interface, err)
		}
	}
	p := ipv4.NewPacketConn(c)
	addr := &net.UDPAddr{IP: group}
	if err := p.JoinGroup(ifi, addr); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("mcast: join %s: %w", group, err)
	}
	leave := func() {
		if err := p.LeaveGroup(ifi, addr); err != nil {
			opts.Logger.Debug().Err(err).Msg("mcast: leave group")
		}
	}
	return c, leave, nil
}
