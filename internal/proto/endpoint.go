package proto

import (
	"net/netip"
	"strconv"
)

// Endpoint is a node's reachable address: one IP with its discovery (UDP) and
// transport (TCP) ports.
type Endpoint struct {
	IP       netip.Addr
	DiscPort uint16
	P2PPort  uint16
}

func NewEndpoint(ip netip.Addr, discPort, p2pPort uint16) Endpoint {
	return Endpoint{IP: ip.Unmap(), DiscPort: discPort, P2PPort: p2pPort}
}

func (e Endpoint) UDP() netip.AddrPort {
	return netip.AddrPortFrom(e.IP, e.DiscPort)
}

func (e Endpoint) TCP() netip.AddrPort {
	return netip.AddrPortFrom(e.IP, e.P2PPort)
}

func (e Endpoint) IsValid() bool {
	return e.IP.IsValid() && e.DiscPort != 0 && e.P2PPort != 0
}

func (e Endpoint) String() string {
	return e.UDP().String() + "/" + strconv.Itoa(int(e.P2PPort))
}

func (e Endpoint) encode(b *Builder) {
	var ip []byte
	if e.IP.IsValid() {
		ip = e.IP.AsSlice()
	}
	b.Bytes(ip).Int(uint64(e.DiscPort)).Int(uint64(e.P2PPort))
}

func decodeEndpoint(f *Frame) (Endpoint, error) {
	raw, err := f.Bytes()
	if err != nil {
		return Endpoint{}, err
	}
	var e Endpoint
	if len(raw) > 0 {
		ip, ok := netip.AddrFromSlice(raw)
		if !ok {
			return Endpoint{}, malformed("%s: bad ip length %d", f.Tag, len(raw))
		}
		e.IP = ip
	}
	if e.DiscPort, err = f.Uint16(); err != nil {
		return Endpoint{}, err
	}
	if e.P2PPort, err = f.Uint16(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// IsSelfAddr reports whether ip:declaredPort names this node, which listens on
// listen and advertises advertise on port. An unspecified listen address
// also matches any loopback address.
func IsSelfAddr(listen, advertise netip.Addr, port uint16, ip netip.Addr, declaredPort uint16) bool {
	if port != declaredPort || !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	if ip == advertise.Unmap() || ip == listen.Unmap() {
		return true
	}
	return listen.IsUnspecified() && ip.IsLoopback()
}
