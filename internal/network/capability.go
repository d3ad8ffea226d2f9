package network

import (
	"fmt"
	"net"
	"net/netip"
)

// InterfaceInfo describes one multicast-capable interface.
type InterfaceInfo struct {
	Name     string   `json:"name"`
	Index    int      `json:"index"`
	Loopback bool     `json:"loopback"`
	IPv4     []string `json:"ipv4"`
}

// MulticastInterfaces lists up interfaces with the multicast flag. Errors
// from the host yield an empty list.
func MulticastInterfaces() []InterfaceInfo {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []InterfaceInfo
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, InterfaceInfo{
			Name:     ifi.Name,
			Index:    ifi.Index,
			Loopback: ifi.Flags&net.FlagLoopback != 0,
			IPv4:     ipv4Strings(&ifi),
		})
	}
	return out
}

// HasMulticast reports whether an up, multicast-capable interface exists.
// It never fails.
func HasMulticast() bool {
	return len(MulticastInterfaces()) > 0
}

func ipv4Strings(ifi *net.Interface) []string {
	var out []string
	for _, a := range ipv4Addrs(ifi) {
		out = append(out, a.String())
	}
	return out
}

func ipv4Addrs(ifi *net.Interface) []netip.Addr {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			out = append(out, addr)
		}
	}
	return out
}

// resolveAdvertiseAddr picks the address peers should dial.
func resolveAdvertiseAddr(cfg Config) (netip.Addr, error) {
	if cfg.AdvertiseAddr != "" {
		addr, err := netip.ParseAddr(cfg.AdvertiseAddr)
		if err != nil || !addr.Unmap().Is4() {
			return netip.Addr{}, fmt.Errorf("%w: advertise address %q", ErrInvalidConfig, cfg.AdvertiseAddr)
		}
		return addr.Unmap(), nil
	}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("network: interface %q: %w", cfg.Interface, err)
		}
		if addrs := ipv4Addrs(ifi); len(addrs) > 0 {
			return addrs[0], nil
		}
		return netip.Addr{}, fmt.Errorf("network: interface %q has no IPv4 address", cfg.Interface)
	}
	var loopback netip.Addr
	ifaces, err := net.Interfaces()
	if err == nil {
		for i := range ifaces {
			ifi := &ifaces[i]
			if ifi.Flags&net.FlagUp == 0 {
				continue
			}
			for _, addr := range ipv4Addrs(ifi) {
				if addr.IsLoopback() {
					if !loopback.IsValid() {
						loopback = addr
					}
					continue
				}
				return addr, nil
			}
		}
	}
	if loopback.IsValid() {
		return loopback, nil
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
}
