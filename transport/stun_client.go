package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// ErrNoSTUNServers indicates discovery was attempted with an empty server list.
var ErrNoSTUNServers = errors.New("no STUN servers configured")

// DefaultSTUNServers are public servers queried in order.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNClient discovers the host's public IP address with STUN binding
// requests.
type STUNClient struct {
	servers []string
	timeout time.Duration
}

// NewSTUNClient creates a STUN client with the default public servers.
func NewSTUNClient() *STUNClient {
	servers := make([]string, len(DefaultSTUNServers))
	copy(servers, DefaultSTUNServers)
	return &STUNClient{
		servers: servers,
		timeout: 5 * time.Second,
	}
}

// DiscoverPublicAddress returns the reflexive address reported by the first
// server that answers.
func (sc *STUNClient) DiscoverPublicAddress(ctx context.Context) (*net.UDPAddr, error) {
	if len(sc.servers) == 0 {
		return nil, ErrNoSTUNServers
	}

	var lastErr error
	for _, server := range sc.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		addr, err := sc.query(ctx, server)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "DiscoverPublicAddress",
				"server":   server,
				"address":  addr.String(),
			}).Info("Discovered public address")
			return addr, nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "DiscoverPublicAddress",
			"server":   server,
			"error":    err.Error(),
		}).Debug("STUN server failed")
		lastErr = err
	}

	return nil, fmt.Errorf("all STUN servers failed, last error: %w", lastErr)
}

// query performs one binding request against server.
func (sc *STUNClient) query(ctx context.Context, server string) (*net.UDPAddr, error) {
	queryCtx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(queryCtx, "udp4", server)
	if err != nil {
		return nil, err
	}

	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer client.Close()

	stop := context.AfterFunc(queryCtx, func() { client.Close() })
	defer stop()

	var (
		mapped  stun.XORMappedAddress
		respErr error
	)
	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Do(request, func(event stun.Event) {
		if event.Error != nil {
			respErr = event.Error
			return
		}
		respErr = mapped.GetFrom(event.Message)
	})
	if err != nil {
		if ctxErr := queryCtx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if respErr != nil {
		return nil, respErr
	}

	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

// SetServers replaces the server list.
func (sc *STUNClient) SetServers(servers []string) {
	sc.servers = make([]string, len(servers))
	copy(sc.servers, servers)
}

// SetTimeout sets the per-server query timeout.
func (sc *STUNClient) SetTimeout(timeout time.Duration) {
	sc.timeout = timeout
}
