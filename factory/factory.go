package factory

import (
	"fmt"
	"time"

	"github.com/opd-ai/codedrop/code"
	"github.com/opd-ai/codedrop/directory"
	"github.com/opd-ai/codedrop/interfaces"
	"github.com/opd-ai/codedrop/transport"
	"github.com/sirupsen/logrus"
)

// NewDirectory creates the directory backend named by cfg. The memory
// backend without a TTL is the process-wide directory.Local() instance, so
// every client in the process sees the same codes.
func NewDirectory(cfg interfaces.DirectoryConfig) (interfaces.Directory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewDirectory",
		"backend":        cfg.Backend,
		"ttl":            cfg.TTL,
		"retry_attempts": cfg.RetryAttempts,
	}).Info("Creating directory backend")

	switch cfg.Backend {
	case interfaces.BackendMemory:
		if cfg.TTL == 0 {
			return directory.Local(), nil
		}
		return directory.NewMemoryDirectory(cfg.TTL), nil
	case interfaces.BackendSQLite:
		dir, err := directory.NewSQLiteDirectory(cfg.Path, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return dir, nil
	case interfaces.BackendHTTP:
		dir, err := directory.NewHTTPDirectory(cfg.URL, cfg.RequestTimeout, cfg.RetryAttempts)
		if err != nil {
			return nil, err
		}
		return dir, nil
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidBackend, cfg.Backend)
	}
}

// NewTransport creates the transport named kind. The memory transport is
// the process-wide transport.Local() instance.
func NewTransport(kind string) (transport.Transport, error) {
	switch kind {
	case TransportTCP:
		return transport.NewTCPTransport(), nil
	case TransportWebSocket:
		return transport.NewWebSocketTransport(), nil
	case TransportMemory:
		return transport.Local(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// NewGenerator creates a code generator from cfg.
func NewGenerator(cfg CodeConfig) (*code.Generator, error) {
	alphabet, err := code.ParseAlphabet(cfg.Alphabet)
	if err != nil {
		return nil, err
	}
	return code.NewGenerator(alphabet, cfg.Length)
}

// NewSTUNClient returns a STUN client when cfg enables STUN, nil otherwise.
func NewSTUNClient(cfg TransportConfig) *transport.STUNClient {
	if !cfg.UseSTUN {
		return nil
	}
	sc := transport.NewSTUNClient()
	if len(cfg.STUNServers) > 0 {
		sc.SetServers(cfg.STUNServers)
	}
	return sc
}

// NewPortMapper returns a UPnP port mapper when cfg enables UPnP, nil
// otherwise.
func NewPortMapper(cfg TransportConfig) transport.PortMapper {
	if !cfg.UseUPnP {
		return nil
	}
	uc := transport.NewUPnPClient()
	uc.SetLease(time.Duration(cfg.UPnPLeaseMs) * time.Millisecond)
	return uc
}

// ConfigureLogging applies a logrus level name to the standard logger.
func ConfigureLogging(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}
