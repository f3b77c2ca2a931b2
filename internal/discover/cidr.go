// Package discover scans address ranges for listening SSH daemons so an
// operator can bootstrap an inventory file from a live network.
package discover

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chatmrpt/convoy/internal/logging"
)

// Host is a candidate deployment target: an address that accepted a TCP
// connection on the SSH port, with the identification string the server
// sent. Banner is empty when the listener did not speak SSH.
type Host struct {
	Address string
	Port    int
	Banner  string
}

type hit struct {
	addr   netip.Addr
	banner string
}

// CIDRScan probes every usable address in an IPv4 CIDR block and returns
// the hosts that answered on port, ordered by address. At most concurrency
// dials run at once; cancelling ctx stops admission of new probes and the
// hosts found so far are returned.
func CIDRScan(ctx context.Context, cidr string, port, concurrency int, timeout time.Duration) ([]Host, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}

	addrs := EnumerateHosts(prefix)
	if len(addrs) == 0 {
		return nil, nil
	}

	log := logging.WithComponent("discover")
	log.Debug().Str("cidr", cidr).Int("port", port).Int("candidates", len(addrs)).Msg("scanning")

	var (
		mu   sync.Mutex
		hits []hit
		wg   sync.WaitGroup
		sem  = semaphore.NewWeighted(int64(concurrency))
	)

	for _, addr := range addrs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(addr netip.Addr) {
			defer wg.Done()
			defer sem.Release(1)

			banner, ok := probe(addr, port, timeout)
			if !ok {
				return
			}
			log.Debug().Str("address", addr.String()).Str("banner", banner).Msg("ssh port open")

			mu.Lock()
			hits = append(hits, hit{addr: addr, banner: banner})
			mu.Unlock()
		}(addr)
	}

	wg.Wait()

	if len(hits) == 0 {
		return nil, nil
	}

	slices.SortFunc(hits, func(a, b hit) int { return a.addr.Compare(b.addr) })

	hosts := make([]Host, len(hits))
	for i, h := range hits {
		hosts[i] = Host{Address: h.addr.String(), Port: port, Banner: h.banner}
	}
	return hosts, nil
}

// probe dials addr:port and, on success, reads the server's identification
// string. An SSH server speaks first (RFC 4253 section 4.2); the read
// deadline keeps silent listeners from stalling the scan.
func probe(addr netip.Addr, port int, timeout time.Duration) (banner string, open bool) {
	target := net.JoinHostPort(addr.String(), strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	line, _ := bufio.NewReader(conn).ReadString('\n')
	if b := strings.TrimSpace(line); strings.HasPrefix(b, "SSH-") {
		return b, true
	}
	return "", true
}

// EnumerateHosts expands an IPv4 prefix into its usable host addresses.
// A /32 is the host itself and a /31 is a point-to-point pair (RFC 3021);
// wider blocks lose their network and broadcast addresses. IPv6 prefixes
// are not scanned.
func EnumerateHosts(prefix netip.Prefix) []netip.Addr {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil
	}

	switch prefix.Bits() {
	case 32:
		return []netip.Addr{prefix.Addr()}
	case 31:
		first := prefix.Addr()
		return []netip.Addr{first, first.Next()}
	}

	var hosts []netip.Addr
	for addr := prefix.Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
	}
	if n := len(hosts); n > 0 {
		hosts = hosts[:n-1]
	}
	return hosts
}
