package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// ipv4NetworkRange returns the first and last address of an IPv4 network.
func ipv4NetworkRange(network *net.IPNet) (start uint32, end uint32, err error) {
	ip := network.IP.To4()
	if ip == nil {
		return 0, 0, errors.Errorf("not an ipv4 network: %s", network)
	}
	ones, bits := network.Mask.Size()
	if bits == 128 {
		// v4 networks found through the v6 tree carry a 96 bit prefix
		ones -= 96
	}
	if ones < 0 || ones > 32 {
		return 0, 0, errors.Errorf("invalid ipv4 mask: %s", network)
	}
	start = ipv4ToUint32(ip)
	end = start | uint32(uint64(0xFFFFFFFF)>>uint(ones))
	return start, end, nil
}

func ipv4ToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uint32toIPv4String(ip uint32) string {
	return fmt.Sprintf(
		"%d.%d.%d.%d",
		(ip >> 24),
		(ip&0x00FFFFFF)>>16,
		(ip&0x0000FFFF)>>8,
		(ip & 0x000000FF),
	)
}

func parseIPS(ips string) ([]string, error) {
	if ips == "" {
		return nil, errors.New("empty ip string passed")
	}

	out := make([]string, 0)
	parts := strings.Split(ips, ",")
	if len(parts) > MaxIPsPerRequest {
		return nil, errors.New("limit of ips in one request reached")
	}
	for _, ip := range parts {
		ip = strings.TrimSpace(ip)
		if net.ParseIP(ip) == nil {
			return nil, errors.Errorf("not correct ip passed: %q", ip)
		}
		out = append(out, ip)
	}

	if len(out) == 0 {
		return nil, errors.New("has no ip addresses to check")
	}

	return out, nil
}
