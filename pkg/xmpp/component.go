package xmpp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const componentNS = "jabber:component:accept"
const streamNS = "http://etherx.jabber.org/streams"

// ComponentConfig describes an external-component (XEP-0114) connection.
type ComponentConfig struct {
	// Host and Port of the XMPP server to connect to.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Domain the component serves, e.g. "focus.example.com".
	Domain string `yaml:"domain"`
	// Secret shared with the server for the handshake.
	Secret string `yaml:"secret"`
	// ConnectTimeout bounds dialing and the handshake.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// Component is an XEP-0114 external-component connection. The focus connects
// to its XMPP server as a component so that it owns a whole domain and
// receives every stanza addressed to it.
type Component struct {
	config ComponentConfig
	logger *logrus.Entry

	conn      net.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *IQ

	iqHandler         atomic.Pointer[IQHandler]
	presenceHandler   atomic.Pointer[PresenceHandler]
	disconnectHandler atomic.Pointer[func()]
}

// NewComponent creates an unconnected component. Call Connect before use.
func NewComponent(config ComponentConfig) *Component {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 15 * time.Second
	}
	return &Component{
		config:  config,
		logger:  logrus.WithField("component", config.Domain),
		pending: make(map[string]chan *IQ),
	}
}

func (c *Component) JID() JID { return JID(c.config.Domain) }

func (c *Component) Connected() bool { return c.connected.Load() }

func (c *Component) HandleIQ(handler IQHandler) { c.iqHandler.Store(&handler) }

func (c *Component) HandlePresence(handler PresenceHandler) { c.presenceHandler.Store(&handler) }

// HandleDisconnect registers a callback invoked once when the stream dies.
// Components do not reconnect; the process is expected to restart.
func (c *Component) HandleDisconnect(handler func()) { c.disconnectHandler.Store(&handler) }

// Connect dials the server, opens the component stream and performs the
// handshake. On success the read loop is started.
func (c *Component) Connect() error {
	addr := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", c.config.Port))
	conn, err := net.DialTimeout("tcp", addr, c.config.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(c.config.ConnectTimeout)
	_ = conn.SetDeadline(deadline)

	open := fmt.Sprintf(
		"<stream:stream xmlns='%s' xmlns:stream='%s' to='%s'>",
		componentNS, streamNS, c.config.Domain,
	)
	if _, err = conn.Write([]byte(open)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to open stream: %w", err)
	}

	decoder := xml.NewDecoder(conn)
	streamID, err := awaitStreamHeader(decoder)
	if err != nil {
		conn.Close()
		return err
	}

	// The handshake digest is the hex SHA-1 of the stream id concatenated
	// with the shared secret (XEP-0114 §3).
	digest := sha1.Sum([]byte(streamID + c.config.Secret))
	handshake := fmt.Sprintf("<handshake>%s</handshake>", hex.EncodeToString(digest[:]))
	if _, err = conn.Write([]byte(handshake)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	if err = awaitHandshakeAck(decoder); err != nil {
		conn.Close()
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	c.conn = conn
	c.connected.Store(true)
	c.logger.Info("component stream established")

	go c.readLoop(decoder)
	return nil
}

func awaitStreamHeader(decoder *xml.Decoder) (string, error) {
	for {
		tok, err := decoder.Token()
		if err != nil {
			return "", fmt.Errorf("failed to read stream header: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "stream" {
			return "", fmt.Errorf("unexpected stream element: %s", start.Name.Local)
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "id" {
				return attr.Value, nil
			}
		}
		return "", fmt.Errorf("stream header carries no id")
	}
}

func awaitHandshakeAck(decoder *xml.Decoder) error {
	for {
		tok, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("failed to read handshake response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "handshake":
			return decoder.Skip()
		case "error":
			return fmt.Errorf("handshake rejected by server")
		default:
			if err := decoder.Skip(); err != nil {
				return err
			}
		}
	}
}

func (c *Component) Close() error {
	c.connected.Store(false)
	if c.conn != nil {
		c.writeMu.Lock()
		_, _ = c.conn.Write([]byte("</stream:stream>"))
		c.writeMu.Unlock()
		return c.conn.Close()
	}
	return nil
}

// Send marshals and writes a stanza without waiting for a reply.
func (c *Component) Send(stanza any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := xml.Marshal(stanza)
	if err != nil {
		return fmt.Errorf("failed to marshal stanza: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err = c.conn.Write(data); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("failed to write stanza: %w", err)
	}
	return nil
}

// SendIQ sends a get/set IQ and waits for the matching response.
func (c *Component) SendIQ(ctx context.Context, iq *IQ) (*IQ, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	if iq.From == "" {
		iq.From = c.JID()
	}

	response := make(chan *IQ, 1)
	c.pendingMu.Lock()
	c.pending[iq.ID] = response
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, iq.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(iq); err != nil {
		return nil, err
	}

	select {
	case res := <-response:
		return res, nil
	case <-ctx.Done():
		return nil, ErrIQTimeout
	}
}

func (c *Component) readLoop(decoder *xml.Decoder) {
	defer func() {
		c.connected.Store(false)
		if handler := c.disconnectHandler.Load(); handler != nil {
			(*handler)()
		}
	}()

	for {
		tok, err := decoder.Token()
		if err != nil {
			c.logger.WithError(err).Warn("component stream closed")
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "iq":
			iq := &IQ{}
			if err := decoder.DecodeElement(iq, &start); err != nil {
				c.logger.WithError(err).Warn("dropping malformed iq")
				continue
			}
			c.dispatchIQ(iq)
		case "presence":
			presence := &Presence{}
			if err := decoder.DecodeElement(presence, &start); err != nil {
				c.logger.WithError(err).Warn("dropping malformed presence")
				continue
			}
			if handler := c.presenceHandler.Load(); handler != nil {
				(*handler)(presence)
			}
		default:
			if err := decoder.Skip(); err != nil {
				c.logger.WithError(err).Warn("component stream closed")
				return
			}
		}
	}
}

func (c *Component) dispatchIQ(iq *IQ) {
	switch iq.Type {
	case IQResult, IQError:
		c.pendingMu.Lock()
		response, ok := c.pending[iq.ID]
		c.pendingMu.Unlock()
		if ok {
			response <- iq
		} else {
			c.logger.WithField("id", iq.ID).Debug("response for unknown iq")
		}
	case IQGet, IQSet:
		handler := c.iqHandler.Load()
		if handler == nil {
			_ = c.Send(iq.ErrorWith("cancel", ServiceUnavailable, ""))
			return
		}
		// Handlers may block on other IQ round-trips, keep the read loop free.
		go func() {
			if response := (*handler)(iq); response != nil {
				_ = c.Send(response)
			}
		}()
	}
}
