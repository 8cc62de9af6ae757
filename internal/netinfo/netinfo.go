// Package netinfo finds the address a human should type to reach the gateway.
package netinfo

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// LocalIPv4 returns the first IPv4 address of an up, non-loopback interface.
// ok is false when there is none.
func LocalIPv4(ctx context.Context) (string, bool, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", false, fmt.Errorf("list interfaces: %w", err)
	}
	ip, ok := firstIPv4(ifaces)
	return ip, ok, nil
}

func firstIPv4(ifaces psnet.InterfaceStatList) (string, bool) {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String(), true
			}
		}
	}
	return "", false
}

// DisplayURL renders the address shown to users, falling back to localhost.
func DisplayURL(host string, port int) string {
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}
