package llm

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// NetworkErrorFrom classifies a transport-level failure, deriving the
// conventional errno-style code (ECONNRESET, ETIMEDOUT, ...) that the retry
// configuration matches against. Context cancellation and deadlines are
// returned unchanged so they stay terminal.
func NetworkErrorFrom(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewNetworkError(err.Error(), networkCode(err), err)
}

// networkCode resolves the errno-style code for a transport failure, or ""
// when none applies.
func networkCode(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "ENOTFOUND"
		}
		return "EAI_AGAIN"
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET:
			return "ECONNRESET"
		case syscall.ECONNREFUSED:
			return "ECONNREFUSED"
		case syscall.ETIMEDOUT:
			return "ETIMEDOUT"
		case syscall.EPIPE:
			return "EPIPE"
		}
		return errno.Error()
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return "ETIMEDOUT"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	return ""
}
