package nanopub

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNonPublicAddress is returned when a fetch would reach a loopback,
// private, link-local or otherwise non-routable address
var ErrNonPublicAddress = errors.New("non-public address")

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func isPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	return !sharedAddressSpace.Contains(ip)
}

// checkHost rejects URL hosts that are plainly local. Names are checked
// again at dial time once resolved.
func checkHost(host string) error {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.Wrapf(ErrNonPublicAddress, "refusing host %s", host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && !isPublic(ip) {
		return errors.Wrapf(ErrNonPublicAddress, "refusing host %s", host)
	}
	return nil
}

// refuseNonPublic is a net.Dialer Control hook; it sees the resolved address
// of every connection, redirects included
func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrapf(ErrNonPublicAddress, "unparseable address %s", address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !isPublic(ip) {
		return errors.Wrapf(ErrNonPublicAddress, "refusing to connect to %s", host)
	}
	return nil
}

// publicTransport dials only public addresses. Proxies are disabled since
// the dialer would only see the proxy's address.
func publicTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   refuseNonPublic,
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = dialer.DialContext
	return t
}
