// Package netblock holds the normalized network value used as the identity
// of a block. A bare address normalizes to its single-host prefix, so
// "1.2.3.4" and "1.2.3.4/32" are the same network.
package netblock

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrInvalidNetwork = errors.New("invalid network")

type Network struct {
	prefix netip.Prefix
}

// Parse accepts either a bare address or address/prefix-length text.
// Host bits below the prefix length are masked off.
func Parse(text string) (Network, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Network{}, fmt.Errorf("%w: empty input", ErrInvalidNetwork)
	}

	if !strings.Contains(text, "/") {
		addr, err := netip.ParseAddr(text)
		if err != nil {
			return Network{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, text)
		}
		return Network{prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
	}

	prefix, err := netip.ParsePrefix(text)
	if err != nil {
		return Network{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, text)
	}
	return Network{prefix: prefix.Masked()}, nil
}

// MustParse is for tests and compile-time constants.
func MustParse(text string) Network {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Network) IsValid() bool {
	return n.prefix.IsValid()
}

// String renders the canonical address/prefix-length form. Single-host
// networks always carry the explicit length ("1.2.3.4/32").
func (n Network) String() string {
	return n.prefix.String()
}

func (n Network) Addr() netip.Addr {
	return n.prefix.Addr()
}

func (n Network) Equal(other Network) bool {
	return n.prefix == other.prefix
}

// Contains reports whether every address of other lies inside n. Address
// families never contain each other.
func (n Network) Contains(other Network) bool {
	if n.prefix.Addr().Is4() != other.prefix.Addr().Is4() {
		return false
	}
	return n.prefix.Bits() <= other.prefix.Bits() && n.prefix.Contains(other.prefix.Addr())
}
