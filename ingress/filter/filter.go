// Package filter implements engine-owned IP allow/deny admission checks,
// applied before a connection ever reaches the policy boundary.
package filter

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

type addrMatcher struct {
	addrs    []netip.Addr
	prefixes []netip.Prefix
}

func newAddrMatcher(entries []string) (*addrMatcher, error) {
	addrs := make([]netip.Addr, 0)
	prefixes := make([]netip.Prefix, 0)

	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, prefix)
		} else {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
		}
	}

	return &addrMatcher{addrs: addrs, prefixes: prefixes}, nil
}

func (m *addrMatcher) match(addr netip.Addr) bool {
	unmapped := addr.Unmap()
	for _, a := range m.addrs {
		if a == unmapped {
			return true
		}
	}
	for _, p := range m.prefixes {
		if p.Contains(unmapped) {
			return true
		}
	}
	return false
}

func (m *addrMatcher) empty() bool {
	return len(m.addrs) == 0 && len(m.prefixes) == 0
}

// Filter evaluates whether a client address may open a connection at all,
// independent of anything the out-of-process policy later decides.
type Filter struct {
	allow *addrMatcher
	deny  *addrMatcher
}

// AllowAll is a Filter that admits every address.
func AllowAll() *Filter {
	empty, _ := newAddrMatcher(nil)
	return &Filter{allow: empty, deny: empty}
}

// New builds a Filter from allow and deny lists, each entries of either a
// bare address ("203.0.113.7") or a CIDR prefix ("203.0.113.0/24"). When the
// allow list is non-empty, only matching addresses are admitted and the deny
// list is ignored; otherwise an address is admitted unless it matches deny.
func New(allow, deny []string) (*Filter, error) {
	allowMatcher, err := newAddrMatcher(allow)
	if err != nil {
		return nil, errors.Wrap(err, "invalid allow list")
	}
	denyMatcher, err := newAddrMatcher(deny)
	if err != nil {
		return nil, errors.Wrap(err, "invalid deny list")
	}
	return &Filter{allow: allowMatcher, deny: denyMatcher}, nil
}

// Admit reports whether addr is allowed to proceed past accept.
func (f *Filter) Admit(addr netip.Addr) bool {
	if !f.allow.empty() {
		return f.allow.match(addr)
	}
	if !f.deny.empty() {
		return !f.deny.match(addr)
	}
	return true
}
