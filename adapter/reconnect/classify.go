package reconnect

import (
	"crypto/x509"
	stderrors "errors"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
)

// Class is the retry class of a connection failure.
type Class int

const (
	// Transient failures are retried with backoff.
	Transient Class = iota
	// Terminal failures are not retried without operator action.
	Terminal
)

// String returns the string representation of the class.
func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "transient"
}

var terminalCloseCodes = map[int]bool{
	websocket.ClosePolicyViolation: true,
	transport.CloseInvalidConnID:   true,
	transport.CloseForbidden:       true,
}

var terminalReasons = []string{
	"forbidden",
	"invalid connect_id",
	"unauthorized",
}

// Classify decides whether a connection failure is worth retrying.
//
// Terminal: malformed or non-ws URL, auth rejected, upgrade refused with 401/403, close
// codes 1008/4001/4003, close reasons naming an authorization problem, and certificate
// errors that only configuration can fix. Everything else, including abnormal closure
// and timeouts, is transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	if stderrors.Is(err, transport.ErrBadURL) ||
		stderrors.Is(err, errors.ErrAuthFailed) ||
		stderrors.Is(err, errors.ErrHandshakeRejected) {
		return Terminal
	}

	if terminalCloseCodes[transport.CloseCode(err)] {
		return Terminal
	}
	if reason := strings.ToLower(transport.CloseText(err)); reason != "" {
		for _, r := range terminalReasons {
			if strings.Contains(reason, r) {
				return Terminal
			}
		}
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	if stderrors.As(err, &unknownAuthority) || stderrors.As(err, &hostname) || stderrors.As(err, &invalid) {
		return Terminal
	}

	return Transient
}
