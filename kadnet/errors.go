package kadnet

import (
	"errors"

	"github.com/TheusHen/kadnet/kadnet/discovery"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/router"
	"github.com/TheusHen/kadnet/kadnet/session"
	"github.com/TheusHen/kadnet/kadnet/storage"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

// Errors returned by Node, matched with errors.Is.
var (
	ErrTransport          = transport.ErrTransport
	ErrProtocolViolation  = transport.ErrProtocolViolation
	ErrHandshake          = session.ErrHandshake
	ErrSignatureInvalid   = session.ErrSignatureInvalid
	ErrPeerIDMismatch     = session.ErrPeerIDMismatch
	ErrVersionMismatch    = session.ErrVersionMismatch
	ErrHandshakeTimeout   = session.ErrHandshakeTimeout
	ErrBlacklisted        = session.ErrBlacklisted
	ErrQueryTimeout       = router.ErrQueryTimeout
	ErrRemote             = router.ErrRemote
	ErrInvalidKeyEncoding = identity.ErrInvalidKeyEncoding
	ErrSignatureMismatch  = identity.ErrSignatureMismatch
	ErrPeerNotFound       = discovery.ErrNotFound
	ErrValueNotFound      = storage.ErrNotFound

	ErrNotStarted     = errors.New("kadnet: node not started")
	ErrAlreadyStarted = errors.New("kadnet: node already started")
	ErrShutdown       = errors.New("kadnet: node shut down")
)
