package envdetect

import (
	"net"
	"net/netip"
	"sort"

	"github.com/pkg/errors"
	"go4.org/netipx"

	"github.com/L1nMay/scanconsole/internal/scan"
)

// Network is a locally attached IPv4 network offered as a scan target.
type Network struct {
	Interface string `json:"interface"`
	CIDR      string `json:"cidr"`
	SrcIP     string `json:"src_ip"`
	Scannable bool   `json:"scannable"`
	Reason    string `json:"reason,omitempty"`
}

type ifaceAddr struct {
	name string
	addr net.Addr
}

// DetectLocalNetworks lists the IPv4 networks of interfaces that are up.
// Each entry is checked against the target policy so callers can offer
// only scannable ones.
func DetectLocalNetworks() ([]Network, error) {
	addrs, err := systemAddrs()
	if err != nil {
		return nil, err
	}
	return networksFrom(addrs), nil
}

func systemAddrs() ([]ifaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}
	var out []ifaceAddr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			return nil, errors.Wrapf(err, "addresses of %s", ifc.Name)
		}
		for _, a := range addrs {
			out = append(out, ifaceAddr{name: ifc.Name, addr: a})
		}
	}
	return out, nil
}

func networksFrom(addrs []ifaceAddr) []Network {
	seen := make(map[netip.Prefix]bool)
	nets := make([]Network, 0, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.addr.(*net.IPNet)
		if !ok {
			continue
		}
		pfx, ok := netipx.FromStdIPNet(ipnet)
		if !ok || !pfx.Addr().Is4() {
			continue
		}
		network := pfx.Masked()
		if seen[network] {
			continue
		}
		seen[network] = true

		v := scan.ValidateTarget(network.String())
		nets = append(nets, Network{
			Interface: a.name,
			CIDR:      network.String(),
			SrcIP:     pfx.Addr().String(),
			Scannable: v.IsValid,
			Reason:    v.Reason,
		})
	}

	// scannable first, then by interface
	sort.SliceStable(nets, func(i, j int) bool {
		if nets[i].Scannable != nets[j].Scannable {
			return nets[i].Scannable
		}
		return nets[i].Interface < nets[j].Interface
	})
	return nets
}
