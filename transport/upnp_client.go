package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoGateway indicates no UPnP Internet Gateway Device answered.
var ErrNoGateway = errors.New("no UPnP gateway found")

const (
	ssdpAddress      = "239.255.255.250:1900"
	defaultUPnPLease = time.Hour
)

// wanServiceTypes are the gateway services that can add port mappings, in
// order of preference.
var wanServiceTypes = []string{
	"urn:schemas-upnp-org:service:WANIPConnection:2",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
}

// PortMapping is a TCP port forwarded by the gateway to this host.
type PortMapping struct {
	ExternalIP   net.IP
	ExternalPort int
	InternalIP   string
	InternalPort int
	Description  string
	Lease        time.Duration
}

// Address returns the externally reachable host:port, or "" when the
// gateway did not report its external IP.
func (m *PortMapping) Address() string {
	if m.ExternalIP == nil {
		return ""
	}
	return net.JoinHostPort(m.ExternalIP.String(), strconv.Itoa(m.ExternalPort))
}

// PortMapper forwards listener ports through a NAT.
type PortMapper interface {
	MapTCPPort(ctx context.Context, internalPort int, description string) (*PortMapping, error)
	Unmap(ctx context.Context, mapping *PortMapping) error
}

// UPnPClient maps TCP ports on a UPnP Internet Gateway Device so peers
// outside the NAT can reach a listener.
type UPnPClient struct {
	timeout time.Duration
	lease   time.Duration

	mu          sync.Mutex
	gatewayURL  string
	controlURL  string
	serviceType string
}

// NewUPnPClient creates a UPnP client that discovers its gateway with SSDP.
func NewUPnPClient() *UPnPClient {
	return &UPnPClient{
		timeout: 5 * time.Second,
		lease:   defaultUPnPLease,
	}
}

// SetTimeout sets the timeout for discovery and SOAP requests.
func (uc *UPnPClient) SetTimeout(timeout time.Duration) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.timeout = timeout
}

// SetLease sets the lease requested for new mappings. Zero asks for a
// permanent mapping.
func (uc *UPnPClient) SetLease(lease time.Duration) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.lease = lease
}

// SetGatewayURL skips SSDP and uses the device description at rawURL.
func (uc *UPnPClient) SetGatewayURL(rawURL string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.gatewayURL = rawURL
	uc.controlURL = ""
}

// DiscoverGateway locates the gateway and its WAN connection control URL.
func (uc *UPnPClient) DiscoverGateway(ctx context.Context) error {
	uc.mu.Lock()
	gatewayURL, controlURL := uc.gatewayURL, uc.controlURL
	uc.mu.Unlock()

	if controlURL != "" {
		return nil
	}

	if gatewayURL == "" {
		location, err := uc.ssdpSearch(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoGateway, err)
		}
		gatewayURL = location
	}

	control, service, err := uc.fetchControlURL(ctx, gatewayURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoGateway, err)
	}

	uc.mu.Lock()
	uc.gatewayURL, uc.controlURL, uc.serviceType = gatewayURL, control, service
	uc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "DiscoverGateway",
		"gateway":     gatewayURL,
		"control_url": control,
		"service":     service,
	}).Info("UPnP gateway discovered")

	return nil
}

// ssdpSearch multicasts an M-SEARCH and returns the first LOCATION header.
func (uc *UPnPClient) ssdpSearch(ctx context.Context) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return "", err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(uc.currentTimeout())
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	search := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddress + "\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n\r\n"
	if _, err := conn.WriteTo([]byte(search), raddr); err != nil {
		return "", fmt.Errorf("send SSDP search: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("read SSDP response: %w", err)
		}
		if location, ok := ssdpLocation(buf[:n]); ok {
			return location, nil
		}
	}
}

// ssdpLocation extracts the LOCATION header from an SSDP response.
func ssdpLocation(response []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(response))
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "location") {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

// upnpDevice is the part of a UPnP device description we need.
type upnpDevice struct {
	Services []struct {
		ServiceType string `xml:"serviceType"`
		ControlURL  string `xml:"controlURL"`
	} `xml:"serviceList>service"`
	Devices []upnpDevice `xml:"deviceList>device"`
}

type upnpRoot struct {
	URLBase string     `xml:"URLBase"`
	Device  upnpDevice `xml:"device"`
}

// fetchControlURL reads the device description and returns the absolute
// control URL of the preferred WAN connection service.
func (uc *UPnPClient) fetchControlURL(ctx context.Context, gatewayURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := uc.httpClient().Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch device description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch device description: %s", resp.Status)
	}

	var root upnpRoot
	if err := xml.NewDecoder(resp.Body).Decode(&root); err != nil {
		return "", "", fmt.Errorf("parse device description: %w", err)
	}

	found := make(map[string]string)
	collectServices(root.Device, found)

	base, err := url.Parse(gatewayURL)
	if err != nil {
		return "", "", err
	}
	if root.URLBase != "" {
		if base, err = url.Parse(root.URLBase); err != nil {
			return "", "", err
		}
	}

	for _, service := range wanServiceTypes {
		path, ok := found[service]
		if !ok {
			continue
		}
		control, err := base.Parse(path)
		if err != nil {
			return "", "", fmt.Errorf("invalid control URL %q: %w", path, err)
		}
		return control.String(), service, nil
	}
	return "", "", errors.New("no WAN connection service in device description")
}

// collectServices walks the device tree recording control URLs by type.
func collectServices(d upnpDevice, found map[string]string) {
	for _, s := range d.Services {
		if _, seen := found[s.ServiceType]; !seen && s.ControlURL != "" {
			found[s.ServiceType] = strings.TrimSpace(s.ControlURL)
		}
	}
	for _, child := range d.Devices {
		collectServices(child, found)
	}
}

// soapArg is one named argument of a SOAP action.
type soapArg struct {
	name, value string
}

// soapCall invokes action on the WAN connection service and returns the
// response arguments by name.
func (uc *UPnPClient) soapCall(ctx context.Context, action string, args ...soapArg) (map[string]string, error) {
	uc.mu.Lock()
	control, service := uc.controlURL, uc.serviceType
	uc.mu.Unlock()
	if control == "" {
		return nil, ErrNoGateway
	}

	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>`)
	fmt.Fprintf(&body, `<u:%s xmlns:u="%s">`, action, service)
	for _, a := range args {
		fmt.Fprintf(&body, "<%s>", a.name)
		if err := xml.EscapeText(&body, []byte(a.value)); err != nil {
			return nil, err
		}
		fmt.Fprintf(&body, "</%s>", a.name)
	}
	fmt.Fprintf(&body, `</u:%s></s:Body></s:Envelope>`, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, control, strings.NewReader(body.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+service+"#"+action+`"`)

	resp, err := uc.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %s", action, resp.Status, soapFault(data))
	}
	return soapValues(data)
}

// soapValues returns the leaf elements of the SOAP response body.
func soapValues(data []byte) (map[string]string, error) {
	var envelope struct {
		Body struct {
			Response struct {
				Values []struct {
					XMLName xml.Name
					Value   string `xml:",chardata"`
				} `xml:",any"`
			} `xml:",any"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parse SOAP response: %w", err)
	}

	values := make(map[string]string, len(envelope.Body.Response.Values))
	for _, v := range envelope.Body.Response.Values {
		values[v.XMLName.Local] = strings.TrimSpace(v.Value)
	}
	return values, nil
}

// soapFault returns the UPnP error description of a failed call.
func soapFault(data []byte) string {
	var fault struct {
		Code        string `xml:"Body>Fault>detail>UPnPError>errorCode"`
		Description string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
	}
	if err := xml.Unmarshal(data, &fault); err != nil || fault.Code == "" {
		return strings.TrimSpace(string(data))
	}
	return fault.Code + " " + fault.Description
}

// AddPortMapping asks the gateway to forward m.ExternalPort to
// m.InternalIP:m.InternalPort over TCP.
func (uc *UPnPClient) AddPortMapping(ctx context.Context, m PortMapping) error {
	_, err := uc.soapCall(ctx, "AddPortMapping",
		soapArg{"NewRemoteHost", ""},
		soapArg{"NewExternalPort", strconv.Itoa(m.ExternalPort)},
		soapArg{"NewProtocol", "TCP"},
		soapArg{"NewInternalPort", strconv.Itoa(m.InternalPort)},
		soapArg{"NewInternalClient", m.InternalIP},
		soapArg{"NewEnabled", "1"},
		soapArg{"NewPortMappingDescription", m.Description},
		soapArg{"NewLeaseDuration", strconv.Itoa(int(m.Lease.Seconds()))},
	)
	return err
}

// DeletePortMapping removes the TCP mapping for externalPort.
func (uc *UPnPClient) DeletePortMapping(ctx context.Context, externalPort int) error {
	_, err := uc.soapCall(ctx, "DeletePortMapping",
		soapArg{"NewRemoteHost", ""},
		soapArg{"NewExternalPort", strconv.Itoa(externalPort)},
		soapArg{"NewProtocol", "TCP"},
	)
	return err
}

// GetExternalIPAddress returns the gateway's WAN address.
func (uc *UPnPClient) GetExternalIPAddress(ctx context.Context) (net.IP, error) {
	values, err := uc.soapCall(ctx, "GetExternalIPAddress")
	if err != nil {
		return nil, err
	}
	raw := values["NewExternalIPAddress"]
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("gateway reported invalid external IP %q", raw)
	}
	return ip, nil
}

// MapTCPPort implements PortMapper. It discovers the gateway if needed,
// forwards the same external port to internalPort on this host and looks
// up the external IP. A failed external IP lookup still returns the
// mapping.
func (uc *UPnPClient) MapTCPPort(ctx context.Context, internalPort int, description string) (*PortMapping, error) {
	if err := uc.DiscoverGateway(ctx); err != nil {
		return nil, err
	}

	internalIP, err := uc.internalIP()
	if err != nil {
		return nil, err
	}

	uc.mu.Lock()
	lease := uc.lease
	uc.mu.Unlock()

	m := &PortMapping{
		ExternalPort: internalPort,
		InternalIP:   internalIP,
		InternalPort: internalPort,
		Description:  description,
		Lease:        lease,
	}
	if err := uc.AddPortMapping(ctx, *m); err != nil {
		return nil, err
	}

	ip, err := uc.GetExternalIPAddress(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MapTCPPort",
			"error":    err.Error(),
		}).Warn("Port mapped but external IP unknown")
	}
	m.ExternalIP = ip

	logrus.WithFields(logrus.Fields{
		"function":      "MapTCPPort",
		"external_port": m.ExternalPort,
		"internal":      net.JoinHostPort(internalIP, strconv.Itoa(internalPort)),
		"external_ip":   ip,
	}).Info("UPnP port mapping added")

	return m, nil
}

// Unmap implements PortMapper.
func (uc *UPnPClient) Unmap(ctx context.Context, m *PortMapping) error {
	if m == nil {
		return nil
	}
	return uc.DeletePortMapping(ctx, m.ExternalPort)
}

// internalIP returns the local address used to reach the gateway, which is
// the address the gateway must forward to.
func (uc *UPnPClient) internalIP() (string, error) {
	uc.mu.Lock()
	control := uc.controlURL
	uc.mu.Unlock()

	u, err := url.Parse(control)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	conn, err := net.Dial("udp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return "", fmt.Errorf("route to gateway: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (uc *UPnPClient) currentTimeout() time.Duration {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.timeout
}

func (uc *UPnPClient) httpClient() *http.Client {
	return &http.Client{Timeout: uc.currentTimeout()}
}
