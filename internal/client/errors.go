package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	ErrCertificateInvalid = errors.New("client certificate invalid")
	ErrConnectionReset    = errors.New("connection reset")
	ErrHostUnreachable    = errors.New("host unreachable")
	ErrConnectionRefused  = errors.New("connection refused")
	ErrRemoteBuild        = errors.New("remote build error")

	// ErrBuildInvalid is returned when the server reports the build as invalid.
	ErrBuildInvalid = errors.New("build invalid")

	// ErrWorkspaceGone is returned with ErrBuildInvalid when the server lost
	// the working state an incremental build needed.
	ErrWorkspaceGone = errors.New("working state gone")

	// ErrNotFound is returned when the server has no such build or file.
	ErrNotFound = errors.New("not found")
)

// SubmissionError is returned when the server rejects the submitted project.
// It is never retried.
type SubmissionError struct {
	Status string
	Errors []string
}

func (e *SubmissionError) Error() string {
	if len(e.Errors) == 0 {
		return e.Status
	}
	return e.Status + ": " + strings.Join(e.Errors, "; ")
}

// TransportError is a classified failure to talk to the server.
// Kind is one of the Err* sentinels above and is matched by errors.Is.
type TransportError struct {
	Kind   error
	Secure bool
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case ErrCertificateInvalid:
		return "client certificate invalid, pair this machine with the build server again"
	case ErrConnectionReset:
		if e.Secure {
			return "connection reset by the build server, check that the client certificate is still accepted"
		}
		return "connection reset by the build server, check that it is running and reachable over plain HTTP"
	case ErrHostUnreachable:
		return "build server host unreachable, check the server URL and your network"
	case ErrConnectionRefused:
		return "connection refused by the build server, check that it is running on the given port"
	default:
		return fmt.Sprintf("%s: %v", ErrRemoteBuild, e.Err)
	}
}

func (e *TransportError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// classify turns a transport failure into a *TransportError.
func classify(err error, secure bool) error {
	return &TransportError{Kind: kindOf(err), Secure: secure, Err: err}
}

func kindOf(err error) error {
	var (
		unknownAuthorityErr x509.UnknownAuthorityError
		certificateInvalid  x509.CertificateInvalidError
		hostnameErr         x509.HostnameError
		verificationErr     *tls.CertificateVerificationError
		alertErr            tls.AlertError
		dnsErr              *net.DNSError
	)
	switch {
	case errors.As(err, &unknownAuthorityErr),
		errors.As(err, &certificateInvalid),
		errors.As(err, &hostnameErr),
		errors.As(err, &verificationErr),
		errors.As(err, &alertErr):
		return ErrCertificateInvalid
	case errors.Is(err, syscall.ECONNRESET):
		return ErrConnectionReset
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.As(err, &dnsErr):
		return ErrHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	default:
		return ErrRemoteBuild
	}
}

// statusError reports an unexpected HTTP response as a generic remote build error.
func statusError(status string, detail string) error {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return &TransportError{Kind: ErrRemoteBuild, Err: fmt.Errorf("unexpected status %s", status)}
	}
	return &TransportError{Kind: ErrRemoteBuild, Err: fmt.Errorf("unexpected status %s: %s", status, detail)}
}
