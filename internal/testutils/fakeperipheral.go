package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/kiribridge/internal/device"
)

// FakeAdvertisement is a canned advertisement for scanner tests.
type FakeAdvertisement struct {
	name        string
	addr        string
	rssi        int
	txPower     int
	connectable bool
	manufData   []byte
	services    []string
	serviceData []struct {
		UUID string
		Data []byte
	}
}

// NewFakeAdvertisement creates an advertisement with sensible defaults.
// TxPower defaults to 127, the "not available" sentinel.
func NewFakeAdvertisement(name, addr string) *FakeAdvertisement {
	return &FakeAdvertisement{
		name:        name,
		addr:        addr,
		rssi:        -50,
		txPower:     127,
		connectable: true,
	}
}

func (a *FakeAdvertisement) WithRSSI(rssi int) *FakeAdvertisement {
	a.rssi = rssi
	return a
}

func (a *FakeAdvertisement) WithTxPower(tx int) *FakeAdvertisement {
	a.txPower = tx
	return a
}

func (a *FakeAdvertisement) WithConnectable(c bool) *FakeAdvertisement {
	a.connectable = c
	return a
}

func (a *FakeAdvertisement) WithServices(uuids ...string) *FakeAdvertisement {
	a.services = append(a.services, uuids...)
	return a
}

func (a *FakeAdvertisement) WithManufacturerData(data []byte) *FakeAdvertisement {
	a.manufData = data
	return a
}

func (a *FakeAdvertisement) LocalName() string        { return a.name }
func (a *FakeAdvertisement) ManufacturerData() []byte { return a.manufData }
func (a *FakeAdvertisement) TxPowerLevel() int        { return a.txPower }
func (a *FakeAdvertisement) Connectable() bool        { return a.connectable }
func (a *FakeAdvertisement) RSSI() int                { return a.rssi }
func (a *FakeAdvertisement) Addr() string             { return a.addr }
func (a *FakeAdvertisement) Services() []string       { return a.services }

func (a *FakeAdvertisement) ServiceData() []struct {
	UUID string
	Data []byte
} {
	return a.serviceData
}

// FakeScanner replays canned advertisements and then blocks until the
// scan context expires, like a real radio would.
type FakeScanner struct {
	mu       sync.Mutex
	advs     []device.Advertisement
	ScanErr  error
	Interval time.Duration
}

func NewFakeScanner(advs ...device.Advertisement) *FakeScanner {
	return &FakeScanner{advs: advs}
}

// AddAdvertisement appends an advertisement to the replay list.
func (s *FakeScanner) AddAdvertisement(adv device.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advs = append(s.advs, adv)
}

func (s *FakeScanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	if s.ScanErr != nil {
		return s.ScanErr
	}

	s.mu.Lock()
	advs := make([]device.Advertisement, len(s.advs))
	copy(advs, s.advs)
	interval := s.Interval
	s.mu.Unlock()

	for _, adv := range advs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handler(adv)
		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// fakeProperty and fakeProperties give fake characteristics a minimal
// device.Properties implementation.
type fakeProperty struct {
	value int
	name  string
}

func (p *fakeProperty) Value() int        { return p.value }
func (p *fakeProperty) KnownName() string { return p.name }

type fakeProperties struct {
	read, write, writeNR, notify, indicate bool
}

func (p *fakeProperties) prop(present bool, value int, name string) device.Property {
	if !present {
		return nil
	}
	return &fakeProperty{value: value, name: name}
}

func (p *fakeProperties) Broadcast() device.Property { return nil }
func (p *fakeProperties) Read() device.Property      { return p.prop(p.read, 0x02, "Read") }
func (p *fakeProperties) Write() device.Property     { return p.prop(p.write, 0x08, "Write") }
func (p *fakeProperties) WriteWithoutResponse() device.Property {
	return p.prop(p.writeNR, 0x04, "WriteWithoutResponse")
}
func (p *fakeProperties) Notify() device.Property   { return p.prop(p.notify, 0x10, "Notify") }
func (p *fakeProperties) Indicate() device.Property { return p.prop(p.indicate, 0x20, "Indicate") }
func (p *fakeProperties) AuthenticatedSignedWrites() device.Property { return nil }
func (p *fakeProperties) ExtendedProperties() device.Property        { return nil }

// FakeCharacteristic is an in-memory characteristic that records writes
// and can replay notifications to a subscribed handler.
type FakeCharacteristic struct {
	mu        sync.Mutex
	uuid      string
	props     *fakeProperties
	readValue []byte
	written   [][]byte
	handler   device.NotificationHandler

	ReadErr  error
	WriteErr error
}

func (c *FakeCharacteristic) UUID() string      { return c.uuid }
func (c *FakeCharacteristic) KnownName() string { return device.KnownCharacteristicName(c.uuid) }

func (c *FakeCharacteristic) GetProperties() device.Properties { return c.props }

func (c *FakeCharacteristic) Read(time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	return c.readValue, nil
}

func (c *FakeCharacteristic) Write(data []byte, _ bool, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

// SetReadValue sets the value returned by Read.
func (c *FakeCharacteristic) SetReadValue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readValue = data
}

// SetWriteErr makes subsequent writes fail with err.
func (c *FakeCharacteristic) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteErr = err
}

// Written returns copies of all payloads written so far.
func (c *FakeCharacteristic) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Notify delivers a notification to the subscribed handler, if any.
// Returns false when nothing is subscribed.
func (c *FakeCharacteristic) Notify(data []byte) bool {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(data)
	return true
}

// FakeService groups fake characteristics under a service UUID.
type FakeService struct {
	uuid  string
	chars map[string]*FakeCharacteristic
	order []string
}

func (s *FakeService) UUID() string      { return s.uuid }
func (s *FakeService) KnownName() string { return device.KnownServiceName(s.uuid) }

func (s *FakeService) GetCharacteristics() []device.Characteristic {
	result := make([]device.Characteristic, 0, len(s.order))
	for _, uuid := range s.order {
		result = append(result, s.chars[uuid])
	}
	return result
}

// FakeConnection implements device.Connection over in-memory services.
type FakeConnection struct {
	mu        sync.Mutex
	services  map[string]*FakeService
	order     []string
	connected bool
	ctx       context.Context
	cancel    context.CancelCauseFunc

	SubscribeErr error
}

func newFakeConnection() *FakeConnection {
	return &FakeConnection{
		services: make(map[string]*FakeService),
		ctx:      context.Background(),
	}
}

func (c *FakeConnection) Services() []device.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]device.Service, 0, len(c.order))
	for _, uuid := range c.order {
		result = append(result, c.services[uuid])
	}
	return result
}

func (c *FakeConnection) GetService(uuid string) (device.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

func (c *FakeConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	char, err := c.lookup(service, uuid)
	if err != nil {
		return nil, err
	}
	return char, nil
}

func (c *FakeConnection) Subscribe(service, characteristic string, handler device.NotificationHandler) error {
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	char, err := c.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if !char.props.notify && !char.props.indicate {
		return fmt.Errorf("characteristic %s does not support notifications: %w",
			characteristic, device.ErrUnsupported)
	}
	char.mu.Lock()
	char.handler = handler
	char.mu.Unlock()
	return nil
}

func (c *FakeConnection) Unsubscribe(service, characteristic string) error {
	char, err := c.lookup(service, characteristic)
	if err != nil {
		return err
	}
	char.mu.Lock()
	char.handler = nil
	char.mu.Unlock()
	return nil
}

func (c *FakeConnection) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *FakeConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeConnection) lookup(service, uuid string) (*FakeCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	char, ok := svc.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

// FakeDevice implements device.Device for tests that drive connection
// lifecycles without a radio.
type FakeDevice struct {
	mu          sync.Mutex
	name        string
	address     string
	rssi        int
	connectable bool
	services    []string
	conn        *FakeConnection

	// ConnectErrs is consumed one per Connect call; once drained,
	// connections succeed.
	ConnectErrs  []error
	ConnectCalls int
}

// NewFakeDevice creates a connectable fake device.
func NewFakeDevice(name, address string) *FakeDevice {
	return &FakeDevice{
		name:        name,
		address:     address,
		rssi:        -50,
		connectable: true,
		conn:        newFakeConnection(),
	}
}

// AddService registers a service on the device.
func (d *FakeDevice) AddService(uuid string) *FakeService {
	normalized := device.NormalizeUUID(uuid)
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	svc, ok := d.conn.services[normalized]
	if !ok {
		svc = &FakeService{uuid: normalized, chars: make(map[string]*FakeCharacteristic)}
		d.conn.services[normalized] = svc
		d.conn.order = append(d.conn.order, normalized)
	}
	d.mu.Lock()
	d.services = append(d.services, normalized)
	d.mu.Unlock()
	return svc
}

// AddCharacteristic registers a characteristic on a service. Recognized
// property names: read, write, write-no-response, notify, indicate.
func (s *FakeService) AddCharacteristic(uuid string, properties ...string) *FakeCharacteristic {
	props := &fakeProperties{}
	for _, p := range properties {
		switch p {
		case "read":
			props.read = true
		case "write":
			props.write = true
		case "write-no-response":
			props.writeNR = true
		case "notify":
			props.notify = true
		case "indicate":
			props.indicate = true
		}
	}
	normalized := device.NormalizeUUID(uuid)
	char := &FakeCharacteristic{uuid: normalized, props: props}
	s.chars[normalized] = char
	s.order = append(s.order, normalized)
	return char
}

func (d *FakeDevice) ID() string      { return d.Address() }
func (d *FakeDevice) Name() string    { d.mu.Lock(); defer d.mu.Unlock(); return d.name }
func (d *FakeDevice) Address() string { d.mu.Lock(); defer d.mu.Unlock(); return d.address }
func (d *FakeDevice) RSSI() int       { d.mu.Lock(); defer d.mu.Unlock(); return d.rssi }
func (d *FakeDevice) TxPower() *int   { return nil }
func (d *FakeDevice) IsConnectable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectable
}

func (d *FakeDevice) AdvertisedServices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services
}

func (d *FakeDevice) ManufacturerData() []byte        { return nil }
func (d *FakeDevice) ServiceData() map[string][]byte  { return nil }
func (d *FakeDevice) GetConnection() device.Connection { return d.conn }

func (d *FakeDevice) Connect(ctx context.Context, _ *device.ConnectOptions) error {
	d.mu.Lock()
	d.ConnectCalls++
	var err error
	if len(d.ConnectErrs) > 0 {
		err = d.ConnectErrs[0]
		d.ConnectErrs = d.ConnectErrs[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.conn.mu.Lock()
	d.conn.connected = true
	d.conn.ctx, d.conn.cancel = context.WithCancelCause(ctx)
	d.conn.mu.Unlock()
	return nil
}

func (d *FakeDevice) Disconnect() error {
	d.conn.mu.Lock()
	cancel := d.conn.cancel
	d.conn.connected = false
	d.conn.cancel = nil
	d.conn.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
	return nil
}

func (d *FakeDevice) IsConnected() bool { return d.conn.IsConnected() }

func (d *FakeDevice) Update(adv device.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssi = adv.RSSI()
	if name := adv.LocalName(); name != "" {
		d.name = name
	}
}

// TriggerDisconnect simulates an unexpected link loss: the connection
// context is cancelled with ErrNotConnected, as the real transport does.
func (d *FakeDevice) TriggerDisconnect() {
	d.conn.mu.Lock()
	cancel := d.conn.cancel
	d.conn.connected = false
	d.conn.cancel = nil
	d.conn.mu.Unlock()
	if cancel != nil {
		cancel(device.ErrNotConnected)
	}
}
