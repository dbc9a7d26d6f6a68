package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/shackleb0lt/legion/internal/config"
)

// createListener implements spec §4.4 "Startup": resolve the bind address
// (no host -> dual-stack wildcard, IPv4 literal -> IPv4, IPv6 literal ->
// IPv6, any form with a port override), create a non-blocking stream
// socket, set address-reuse, disable IPv6-only for the wildcard case, bind,
// and listen with backlog MaxQueueConn.
func createListener(cfg config.Config) (int, error) {
	family, sa, dualStack, err := resolveBindAddr(cfg.IP, cfg.Port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: SO_REUSEADDR: %w", err)
	}

	if family == unix.AF_INET6 && dualStack {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("reactor: disabling IPV6_V6ONLY: %w", err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: set non-blocking: %w", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind: %w", err)
	}

	backlog := cfg.MaxQueueConn
	if backlog <= 0 {
		backlog = config.DefaultMaxQueueConn
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen: %w", err)
	}

	return fd, nil
}

// resolveBindAddr implements the four address forms from spec §4.4.
func resolveBindAddr(ip string, port int) (family int, sa unix.Sockaddr, dualStack bool, err error) {
	if port < 0 || port > 65535 {
		return 0, nil, false, fmt.Errorf("reactor: port %d out of range [0, 65535]", port)
	}

	if ip == "" {
		return unix.AF_INET6, &unix.SockaddrInet6{Port: port}, true, nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, nil, false, fmt.Errorf("reactor: %q is not a valid IP literal", ip)
	}

	if v4 := parsed.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return unix.AF_INET, &unix.SockaddrInet4{Port: port, Addr: addr}, false, nil
	}

	var addr [16]byte
	copy(addr[:], parsed.To16())
	return unix.AF_INET6, &unix.SockaddrInet6{Port: port, Addr: addr}, false, nil
}
