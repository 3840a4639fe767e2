package vmenv

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
)

// DefaultLeaseFile is where dnsmasq records leases for the default network.
const DefaultLeaseFile = "/var/lib/libvirt/dnsmasq/default.leases"

// LookupLease scans a dnsmasq lease table ("<expiry> <mac> <ip> <host> <id>")
// and returns the address of the first line whose MAC matches.
func LookupLease(r io.Reader, mac string) (netip.Addr, error) {
	mac = strings.ToLower(strings.TrimSpace(mac))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if strings.ToLower(fields[1]) != mac {
			continue
		}
		addr, err := netip.ParseAddr(fields[2])
		if err != nil {
			continue
		}
		return addr, nil
	}
	if err := scanner.Err(); err != nil {
		return netip.Addr{}, fmt.Errorf("scan leases: %w", err)
	}
	return netip.Addr{}, ErrAddressNotFound
}

func lookupLeaseFile(path, mac string) (netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return netip.Addr{}, ErrAddressNotFound
		}
		return netip.Addr{}, fmt.Errorf("open leases: %w", err)
	}
	defer f.Close()
	return LookupLease(f, mac)
}
