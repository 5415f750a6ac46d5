package rdma

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dengwxn/nexuslb/internal/memory"
)

// ConnectorConfig configures device selection and polling strategy for all
// connections spawned by a Connector.
type ConnectorConfig struct {
	// Device names the NIC to open. Empty selects the first device the
	// backend lists; devices are not skipped for lacking an active port, so
	// NewConnector fails with ErrNoActivePort when that device has none.
	Device string
	// Poller selects blocking or spinning completion polling.
	Poller PollerType
}

// Connector opens one RDMA device and spawns a Connection per accepted or
// initiated peer. Connections borrow the connector's device handle and never
// outlive it.
type Connector struct {
	backend Backend
	cfg     ConnectorConfig
	handler EventHandler
	pool    *memory.Pool

	devCtx  DeviceContext
	devName string
	port    PortInfo

	mu       sync.Mutex
	conns    []*Connection
	listener net.Listener
	closed   atomic.Bool
}

// NewConnector opens the named device and selects its first active port.
func NewConnector(backend Backend, cfg ConnectorConfig, handler EventHandler, pool *memory.Pool) (*Connector, error) {
	devices, err := backend.Devices()
	if err != nil {
		return nil, err
	}
	var dev *DeviceInfo
	for i := range devices {
		if cfg.Device == "" || devices[i].Name == cfg.Device {
			dev = &devices[i]
			break
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, cfg.Device)
	}

	devCtx, err := backend.OpenDevice(dev.Name)
	if err != nil {
		return nil, err
	}
	ports, err := backend.QueryPorts(devCtx)
	if err != nil {
		_ = backend.CloseDevice(devCtx)
		return nil, err
	}
	var active *PortInfo
	for i := range ports {
		if ports[i].Active {
			active = &ports[i]
			break
		}
	}
	if active == nil {
		_ = backend.CloseDevice(devCtx)
		return nil, fmt.Errorf("%w: device %s", ErrNoActivePort, dev.Name)
	}
	log.Info().
		Str("device", dev.Name).
		Int("port", active.Number).
		Uint16("lid", active.LID).
		Msg("opened rdma device")

	return &Connector{
		backend: backend,
		cfg:     cfg,
		handler: handler,
		pool:    pool,
		devCtx:  devCtx,
		devName: dev.Name,
		port:    *active,
	}, nil
}

// ListenTCP binds the bootstrap listener and accepts peers in the
// background. Every accepted peer becomes a server-role connection
// advertising the exposed region. An accept failure aborts the loop.
func (c *Connector) ListenTCP(port int, exposed []byte) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("%w: listen on %d: %v", ErrTCPIo, port, err)
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	log.Info().Int("port", port).Msg("bootstrap listener started")
	go c.acceptLoop(l, exposed)
	return nil
}

func (c *Connector) acceptLoop(l net.Listener, exposed []byte) {
	for {
		sock, err := l.Accept()
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("bootstrap accept failed, aborting accept loop")
			c.handler.OnError(nil, fmt.Errorf("%w: %v", ErrTCPAcceptFailed, err))
			return
		}
		go c.addConnection(newBootstrapChannel(sock), exposed)
	}
}

// ConnectTCP dials a peer and establishes a client-role connection. The
// peer's exposed region arrives during the handshake.
func (c *Connector) ConnectTCP(host string, port int) (*Connection, error) {
	tcp, err := dialBootstrap(host, port)
	if err != nil {
		return nil, err
	}
	return c.addConnection(tcp, nil)
}

func (c *Connector) addConnection(tcp *bootstrapChannel, exposed []byte) (*Connection, error) {
	conn, err := newConnection(c.backend, c.devCtx, c.port, tcp, c.pool, exposed, c.handler, c.cfg.Poller)
	if err != nil {
		log.Error().Err(err).Str("peer", tcp.RemoteAddr().String()).Msg("connection handshake failed")
		_ = tcp.Close()
		c.handler.OnError(nil, err)
		return nil, err
	}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

// Connection returns the first established connection, or nil.
func (c *Connector) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[0]
}

// Connections returns a snapshot of all connections.
func (c *Connector) Connections() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Connection, len(c.conns))
	copy(out, c.conns)
	return out
}

// BootstrapAddr returns the bootstrap listener's address, useful when
// listening on an ephemeral port.
func (c *Connector) BootstrapAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// DeviceName returns the opened device's name.
func (c *Connector) DeviceName() string { return c.devName }

// Close stops accepting, closes every connection, and releases the device.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	l := c.listener
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	var firstErr error
	if l != nil {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.backend.CloseDevice(c.devCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
