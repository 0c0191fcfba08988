// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ember

import (
	"fmt"
	"net"
	"strconv"
)

// NetAddr is the advertised endpoint of an operator. Only routable IPv4
// endpoints are admitted on public networks.
type NetAddr struct {
	IP   net.IP
	Port uint16
}

// ParseNetAddr parses "ip:port" into a NetAddr.
func ParseNetAddr(s string) (NetAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NetAddr{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NetAddr{}, fmt.Errorf("invalid ip %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NetAddr{}, err
	}
	return NetAddr{IP: ip, Port: uint16(port)}, nil
}

// String renders "ip:port". This form is part of the signed-message
// encoding and must never change.
func (a NetAddr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset.
func (a NetAddr) IsZero() bool {
	return len(a.IP) == 0 && a.Port == 0
}

// IsIPv4 reports whether the address is an IPv4 endpoint.
func (a NetAddr) IsIPv4() bool {
	return a.IP.To4() != nil
}

// IsLocal reports loopback or RFC1918 private ranges.
func (a NetAddr) IsLocal() bool {
	return a.IP.IsLoopback() || a.IP.IsPrivate()
}

// IsRoutable reports whether the address can be reached from the public
// internet.
func (a NetAddr) IsRoutable() bool {
	return a.IsIPv4() &&
		!a.IP.IsUnspecified() &&
		!a.IsLocal() &&
		!a.IP.IsLinkLocalUnicast() &&
		!a.IP.IsMulticast()
}

// Equal reports address equality including the port.
func (a NetAddr) Equal(b NetAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Less orders addresses bytewise, port last. Used to group records sharing
// an IP during the same-address sweep.
func (a NetAddr) Less(b NetAddr) bool {
	av, bv := a.IP.To16(), b.IP.To16()
	for i := range av {
		if av[i] != bv[i] {
			return av[i] < bv[i]
		}
	}
	return a.Port < b.Port
}

// Key returns a map key identifying the host (without the port), matching
// the per-host bookkeeping of ask windows and fulfilled requests.
func (a NetAddr) Key() string {
	return a.IP.String()
}
