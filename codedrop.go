// Package codedrop moves a set of files directly from one endpoint to
// another, found through a short human-typed code.
//
// A sender publishes a code together with the address it listens on. The
// receiver resolves the code, opens a session to that address and
// reassembles the files the sender streams over it. No file bytes pass
// through the directory.
//
// Example:
//
//	cfg, err := factory.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := codedrop.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	src, _ := transfer.SourceFromFile("report.pdf")
//	sending, err := client.Share(ctx, []transfer.Source{src})
//	fmt.Println("code:", sending.Code())
//
//	// on the other endpoint
//	receiving, err := client.Receive(ctx, "482913")
//	err = receiving.Wait(ctx)
//	for _, f := range receiving.Result().Files {
//	    f.WriteTo(".")
//	}
package codedrop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/codedrop/code"
	"github.com/opd-ai/codedrop/factory"
	"github.com/opd-ai/codedrop/interfaces"
	"github.com/opd-ai/codedrop/share"
	"github.com/opd-ai/codedrop/transfer"
	"github.com/opd-ai/codedrop/transport"
	"github.com/sirupsen/logrus"
)

// ErrNoFiles indicates Share was called with an empty file set.
var ErrNoFiles = errors.New("no files to share")

// publishRetries is the number of extra publish attempts after the
// directory reports it is unavailable.
const publishRetries = 2

// withdrawTimeout bounds removing a code once its session is over.
const withdrawTimeout = 5 * time.Second

// ProgressCallback is called with transfer progress for a session.
type ProgressCallback func(sessionID string, progress transfer.Progress)

// FileReceivedCallback is called when a receive session seals a file.
type FileReceivedCallback func(sessionID string, file transfer.ReceivedFile)

// Client is the rendezvous front door for both roles.
type Client struct {
	cfg       *factory.Config
	generator *code.Generator
	directory interfaces.Directory
	transport transport.Transport
	stun      *transport.STUNClient
	mapper    transport.PortMapper
	ownsDir   bool

	publishBackoff time.Duration

	mu               sync.Mutex
	sessions         map[string]*TransferSession
	progressCallback ProgressCallback
	fileCallback     FileReceivedCallback
}

// New creates a client from cfg, building its directory, transport and
// code generator through the factory.
func New(cfg *factory.Config) (*Client, error) {
	if cfg == nil {
		cfg = factory.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gen, err := factory.NewGenerator(cfg.Code)
	if err != nil {
		return nil, err
	}
	tr, err := factory.NewTransport(cfg.Transport.Kind)
	if err != nil {
		return nil, err
	}
	dir, err := factory.NewDirectory(cfg.DirectoryConfig())
	if err != nil {
		return nil, err
	}

	c := NewWithComponents(cfg, gen, dir, tr)
	c.stun = factory.NewSTUNClient(cfg.Transport)
	c.mapper = factory.NewPortMapper(cfg.Transport)
	c.ownsDir = true

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"transport": tr.Name(),
		"directory": cfg.Directory.Backend,
		"alphabet":  gen.Alphabet().String(),
		"stun":      c.stun != nil,
		"upnp":      c.mapper != nil,
	}).Info("Client created")

	return c, nil
}

// NewWithComponents creates a client around caller-supplied components.
// The caller keeps ownership of dir.
func NewWithComponents(cfg *factory.Config, gen *code.Generator, dir interfaces.Directory, tr transport.Transport) *Client {
	if cfg == nil {
		cfg = factory.DefaultConfig()
	}
	return &Client{
		cfg:            cfg,
		generator:      gen,
		directory:      dir,
		transport:      tr,
		publishBackoff: 200 * time.Millisecond,
		sessions:       make(map[string]*TransferSession),
	}
}

// OnProgress sets the callback for send and receive progress.
func (c *Client) OnProgress(callback ProgressCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressCallback = callback
}

// OnFileReceived sets the callback for files sealed by receive sessions.
func (c *Client) OnFileReceived(callback FileReceivedCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileCallback = callback
}

// Generator returns the client's code generator.
func (c *Client) Generator() *code.Generator { return c.generator }

// Sessions returns the sessions that have not finished yet.
func (c *Client) Sessions() []*TransferSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TransferSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Close cancels every running session, waits for them to end and releases
// the directory if the client created it.
func (c *Client) Close() error {
	for _, s := range c.Sessions() {
		s.Cancel()
		<-s.Done()
	}
	if c.ownsDir {
		return c.directory.Close()
	}
	return nil
}

// Share publishes a fresh code for sources and serves the first receiver
// that connects. It returns once the code is resolvable; the transfer
// itself runs in the background until the session finishes or ctx is
// cancelled.
func (c *Client) Share(ctx context.Context, sources []transfer.Source) (*TransferSession, error) {
	if len(sources) == 0 {
		return nil, ErrNoFiles
	}

	rendezvous, err := c.generator.Generate()
	if err != nil {
		return nil, err
	}

	ln, err := c.transport.Listen(ctx, c.cfg.Transport.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	mapping := c.mapPort(ctx, ln.Addr(), rendezvous)
	addr := c.advertisedAddress(ctx, ln.Addr(), mapping)
	if err := c.publish(ctx, rendezvous, addr); err != nil {
		c.unmapPort(mapping)
		ln.Close()
		return nil, err
	}

	s := newTransferSession(ctx, RoleSender, rendezvous, addr, c.cfg.Share.LinkBase, PhaseWaiting)
	c.track(s)

	logrus.WithFields(logrus.Fields{
		"function":     "Share",
		"session":      s.ID(),
		"code":         rendezvous,
		"peer_address": addr,
		"file_count":   len(sources),
	}).Info("Waiting for receiver")

	go c.serve(s, ln, mapping, sources)
	return s, nil
}

// publish writes the advertisement, retrying while the directory is
// unavailable.
func (c *Client) publish(ctx context.Context, rendezvous, addr string) error {
	var err error
	for attempt := 0; attempt <= publishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.publishBackoff * time.Duration(attempt)):
			}
		}

		err = c.directory.Publish(ctx, rendezvous, addr)
		if err == nil || !errors.Is(err, interfaces.ErrDirectoryUnavailable) {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function": "publish",
			"code":     rendezvous,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Warn("Directory unavailable, retrying publish")
	}
	return err
}

// serve runs the sender role and records its outcome.
func (c *Client) serve(s *TransferSession, ln transport.Listener, mapping *transport.PortMapping, sources []transfer.Source) {
	err := c.runSender(s, ln, mapping, sources)
	c.untrack(s)
	s.finish(transfer.Result{}, err)
}

// runSender accepts one session and runs the send side over it. The code
// is withdrawn, the port mapping removed and the listener closed before it
// returns.
func (c *Client) runSender(s *TransferSession, ln transport.Listener, mapping *transport.PortMapping, sources []transfer.Source) error {
	defer c.withdraw(s.code)
	defer c.unmapPort(mapping)
	defer ln.Close()

	sess, err := ln.Accept(s.ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	ln.Close()
	c.withdraw(s.code)
	s.setPhase(PhaseTransferring)

	logrus.WithFields(logrus.Fields{
		"function": "runSender",
		"session":  s.ID(),
		"remote":   sess.RemoteAddr(),
	}).Info("Receiver connected")

	sender, err := transfer.NewSender(sess, transfer.SenderOptions{
		ChunkSize:     c.cfg.Transfer.ChunkSize,
		ChunkInterval: c.cfg.ChunkInterval(),
		OnProgress:    c.progressFor(s.ID()),
	})
	if err != nil {
		return err
	}
	if err := sender.Run(s.ctx, sources); err != nil {
		return err
	}

	c.linger(s.ctx, sess)
	return nil
}

// linger gives the receiver up to CloseGrace to close the session after
// set-complete. Anything it sends meanwhile is ignored.
func (c *Client) linger(ctx context.Context, sess transport.Session) {
	grace := c.cfg.CloseGrace()
	if grace <= 0 {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	for {
		if _, err := sess.Receive(lctx); err != nil {
			return
		}
	}
}

func (c *Client) withdraw(rendezvous string) {
	ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
	defer cancel()
	if err := c.directory.Withdraw(ctx, rendezvous); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "withdraw",
			"code":     rendezvous,
			"error":    err.Error(),
		}).Warn("Failed to withdraw code")
	}
}

// Receive resolves code and starts receiving from the sender behind it.
// Directory and connect failures are returned directly; the transfer runs
// in the background.
func (c *Client) Receive(ctx context.Context, input string) (*TransferSession, error) {
	rendezvous, err := c.normalize(input)
	if err != nil {
		return nil, err
	}

	addr, err := c.directory.Resolve(ctx, rendezvous)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receive",
			"code":     rendezvous,
			"error":    err.Error(),
		}).Warn("Failed to resolve code")
		return nil, err
	}

	return c.receiveFrom(ctx, rendezvous, addr)
}

// ReceiveLink accepts a connect link or a bare code. A link carrying a peer
// address is dialed directly without consulting the directory.
func (c *Client) ReceiveLink(ctx context.Context, raw string) (*TransferSession, error) {
	link, err := share.ParseLink(raw)
	if err != nil {
		return nil, err
	}
	if link.PeerAddress == "" {
		return c.Receive(ctx, link.Code)
	}

	rendezvous, err := c.normalize(link.Code)
	if err != nil {
		return nil, err
	}
	return c.receiveFrom(ctx, rendezvous, link.PeerAddress)
}

func (c *Client) normalize(input string) (string, error) {
	rendezvous := c.generator.Normalize(input)
	if err := c.generator.Validate(rendezvous); err != nil {
		return "", err
	}
	return rendezvous, nil
}

func (c *Client) receiveFrom(ctx context.Context, rendezvous, addr string) (*TransferSession, error) {
	sess, err := transport.DialTimeout(ctx, c.transport, addr, c.cfg.ConnectTimeout())
	if err != nil {
		return nil, err
	}

	s := newTransferSession(ctx, RoleReceiver, rendezvous, addr, c.cfg.Share.LinkBase, PhaseTransferring)
	c.track(s)

	logrus.WithFields(logrus.Fields{
		"function":     "Receive",
		"session":      s.ID(),
		"code":         rendezvous,
		"peer_address": addr,
	}).Info("Connected to sender")

	receiver := transfer.NewReceiver(transfer.ReceiverOptions{
		OnProgress: c.progressFor(s.ID()),
		OnFile:     c.fileFor(s.ID()),
	})

	go func() {
		result, err := receiver.Run(s.ctx, sess)
		sess.Close()
		c.untrack(s)
		s.finish(result, err)
	}()

	return s, nil
}

// mapPort forwards the listener's TCP port through the gateway when a port
// mapper is configured. Failures are logged and leave the port unmapped.
func (c *Client) mapPort(ctx context.Context, listenAddr, rendezvous string) *transport.PortMapping {
	if c.mapper == nil {
		return nil
	}
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}

	mapping, err := c.mapper.MapTCPPort(ctx, port, "codedrop "+rendezvous)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "mapPort",
			"port":     port,
			"error":    err.Error(),
		}).Warn("Port mapping failed, advertising unmapped address")
		return nil
	}
	return mapping
}

// unmapPort removes a mapping made by mapPort.
func (c *Client) unmapPort(mapping *transport.PortMapping) {
	if mapping == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
	defer cancel()
	if err := c.mapper.Unmap(ctx, mapping); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "unmapPort",
			"external_port": mapping.ExternalPort,
			"error":         err.Error(),
		}).Warn("Failed to remove port mapping")
	}
}

// advertisedAddress picks the address published for a listener: the
// configured host, then the gateway address of a port mapping, then a
// STUN-discovered public IP, then a local interface address when the
// listener is bound to the unspecified address. A mapping replaces the
// listener port with the external port.
func (c *Client) advertisedAddress(ctx context.Context, listenAddr string, mapping *transport.PortMapping) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if mapping != nil {
		port = strconv.Itoa(mapping.ExternalPort)
	}

	if c.cfg.Transport.AdvertiseHost != "" {
		return net.JoinHostPort(c.cfg.Transport.AdvertiseHost, port)
	}

	if mapping != nil && mapping.ExternalIP != nil {
		return mapping.Address()
	}

	if c.stun != nil {
		public, err := c.stun.DiscoverPublicAddress(ctx)
		if err == nil {
			return net.JoinHostPort(public.IP.String(), port)
		}
		logrus.WithFields(logrus.Fields{
			"function": "advertisedAddress",
			"error":    err.Error(),
		}).Warn("STUN discovery failed, advertising local address")
	}

	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort(localIP(), port)
	}
	return listenAddr
}

// localIP returns the first non-loopback IPv4 interface address, or the
// loopback address when there is none.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func (c *Client) progressFor(sessionID string) func(transfer.Progress) {
	c.mu.Lock()
	callback := c.progressCallback
	c.mu.Unlock()
	if callback == nil {
		return nil
	}
	return func(p transfer.Progress) { callback(sessionID, p) }
}

func (c *Client) fileFor(sessionID string) func(transfer.ReceivedFile) {
	c.mu.Lock()
	callback := c.fileCallback
	c.mu.Unlock()
	if callback == nil {
		return nil
	}
	return func(f transfer.ReceivedFile) { callback(sessionID, f) }
}

func (c *Client) track(s *TransferSession) {
	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()
}

func (c *Client) untrack(s *TransferSession) {
	c.mu.Lock()
	delete(c.sessions, s.ID())
	c.mu.Unlock()
}
