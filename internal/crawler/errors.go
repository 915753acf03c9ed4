package crawler

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
)

// ClassifyError maps a transport error to a failure reason. Resolution and
// dial errors surface from the stream layer unchanged and land here as
// connectivity failures.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrMalformedURI) {
		return FailureMalformedURI
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return FailureTimeout
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var addrErr *net.AddrError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr), errors.As(err, &addrErr),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return FailureNetworkConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetworkConnectivity
	}
	return FailureUnknown
}
