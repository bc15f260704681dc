package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// PahoConfig holds broker connection parameters.
type PahoConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string

	// KeepAlive is in seconds.
	KeepAlive uint16

	// DialTimeout bounds the TCP/TLS dial. Defaults to 10s.
	DialTimeout time.Duration
}

// PahoClient is a [Client] built on the Eclipse Paho MQTT v5 client. Each
// Connect dials a fresh network connection and session.
type PahoClient struct {
	cfg    PahoConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *paho.Client
	will   *paho.WillMessage
	onLost func(error)
}

// NewPahoClient creates an unconnected client.
func NewPahoClient(cfg PahoConfig, logger *slog.Logger) *PahoClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoClient{cfg: cfg, logger: logger}
}

// SetWill sets the retained QoS 1 will for the next Connect.
func (p *PahoClient) SetWill(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.will = &paho.WillMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}
}

// OnConnectionLost registers the session loss callback.
func (p *PahoClient) OnConnectionLost(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLost = fn
}

// Connect dials the broker and performs the MQTT handshake.
func (p *PahoClient) Connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.address(), err)
	}

	c := paho.NewClient(paho.ClientConfig{
		ClientID: p.cfg.ClientID,
		Conn:     conn,
		OnClientError: func(err error) {
			p.lost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			p.lost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	p.mu.Lock()
	will := p.will
	p.mu.Unlock()

	cp := &paho.Connect{
		KeepAlive:   p.cfg.KeepAlive,
		ClientID:    p.cfg.ClientID,
		CleanStart:  true,
		WillMessage: will,
	}
	if p.cfg.Username != "" {
		cp.Username = p.cfg.Username
		cp.UsernameFlag = true
	}
	if p.cfg.Password != "" {
		cp.Password = []byte(p.cfg.Password)
		cp.PasswordFlag = true
	}

	if _, err := c.Connect(ctx, cp); err != nil {
		conn.Close()
		return fmt.Errorf("mqtt handshake with %s: %w", p.address(), err)
	}

	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
	return nil
}

// Disconnect sends a clean DISCONNECT and drops the session. It is a
// no-op without a session.
func (p *PahoClient) Disconnect(_ context.Context) error {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// Publish sends a QoS 1 message.
func (p *PahoClient) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// lost reports the end of the current session once.
func (p *PahoClient) lost(err error) {
	p.mu.Lock()
	if p.client == nil {
		p.mu.Unlock()
		return
	}
	p.client = nil
	fn := p.onLost
	p.mu.Unlock()

	p.logger.Debug("mqtt session ended", "error", err)
	if fn != nil {
		fn(err)
	}
}

func (p *PahoClient) address() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

func (p *PahoClient) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	if p.cfg.TLS {
		d := &tls.Dialer{
			Config: &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: p.cfg.Host,
			},
		}
		return d.DialContext(ctx, "tcp", p.address())
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", p.address())
}
