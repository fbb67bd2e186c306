package goble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/internal/groutine"
)

// BLEConnection represents a live BLE connection (notifications, writes)
type BLEConnection struct {
	client      ble.Client
	logger      *logrus.Logger
	writeMutex  sync.Mutex
	connMutex   sync.RWMutex
	isConnected bool

	services map[string]*BLEService

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewBLEConnection(logger *logrus.Logger) *BLEConnection {
	return &BLEConnection{
		services: make(map[string]*BLEService),
		ctx:      context.Background(),
		logger:   logger,
	}
}

// Connect establishes a BLE connection and populates live characteristics
func (c *BLEConnection) Connect(ctx context.Context, address string, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	if c.isConnectedInternal() {
		c.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	c.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	c.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(bleProfile.Services),
	}).Debug("Profile discovered successfully")

	// Populate services and characteristics from the discovered profile
	for _, bleSvc := range bleProfile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		svc, ok := c.services[svcUUID]
		if !ok {
			svc = &BLEService{
				uuid:            svcUUID,
				knownName:       device.KnownServiceName(svcUUID),
				Characteristics: make(map[string]*BLECharacteristic),
			}
			c.services[svcUUID] = svc
		}

		for _, bleCharacteristic := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleCharacteristic.UUID.String())
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    charUUID,
			}).Debug("Found characteristic UUID")
			if existing, ok := svc.Characteristics[charUUID]; ok {
				// Reconnecting, refresh the live handle
				existing.BLEChar = bleCharacteristic
			} else {
				svc.Characteristics[charUUID] = NewCharacteristic(bleCharacteristic, c)
			}
		}
	}

	c.client = client
	c.isConnected = true

	// Derive the connection context from the caller's so lifecycles are tied.
	// WithCancelCause lets link-loss propagate a reason to everyone watching.
	c.ctx, c.cancel = context.WithCancelCause(ctx)

	// Monitor the client's Disconnected() channel where the platform exposes one.
	// This is how session owners learn the link dropped underneath them.
	if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		connCtxRef := c.ctx
		cancelRef := c.cancel
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-monitored.Disconnected():
				c.logger.Warn("Platform reported disconnection, cancelling connection context")
				cancelRef(device.ErrNotConnected)
			case <-connCtxRef.Done():
			}
		})
	} else {
		c.logger.Debug("Client does not expose a Disconnected() channel")
	}

	totalChars := 0
	for _, svc := range c.services {
		totalChars += len(svc.Characteristics)
	}

	c.logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(c.services),
		"characteristics": totalChars,
	}).Info("BLE device connected successfully")
	return nil
}

// Disconnect tears down subscriptions and closes the BLE link. Safe to call
// when already disconnected.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.client == nil || !c.isConnected {
		c.connMutex.Unlock()
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	c.logger.WithField("services", len(c.services)).Info("Disconnecting BLE device...")

	// Snapshot everything needed for network calls, then release the lock
	client := c.client
	cancel := c.cancel
	servicesCopy := make(map[string]*BLEService, len(c.services))
	for k, v := range c.services {
		servicesCopy[k] = v
	}

	c.client = nil
	c.cancel = nil
	c.isConnected = false
	c.connMutex.Unlock()

	if cancel != nil {
		cancel(nil) // normal disconnection, no error cause
	}

	// Unsubscribe from remote notifications before cancelling the connection
	unsubscribeErrors := c.unsubscribeAllCharacteristics(client, servicesCopy)
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	// Disconnect the BLE client (network call) outside the lock
	disconnectErr := client.CancelConnection()
	if disconnectErr != nil {
		c.logger.WithField("error", disconnectErr).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected successfully")
	}

	return disconnectErr
}

// Services returns all discovered BLE services for this connection.
// Services are sorted by UUID for consistent ordering. Thread-safe.
func (c *BLEConnection) Services() []device.Service {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	result := make([]device.Service, 0, len(c.services))
	for _, v := range c.services {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID() < result[j].UUID()
	})
	return result
}

// GetService retrieves a specific service by its UUID.
// The UUID is normalized for consistent lookup (lowercase, no dashes).
// Returns a NotFoundError if the service is not found.
func (c *BLEConnection) GetService(uuid string) (device.Service, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// GetCharacteristic retrieves a characteristic by service and characteristic UUID.
// Both UUIDs are normalized for consistent lookup.
// Returns a NotFoundError if the service or characteristic is not found.
func (c *BLEConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	char, ok := svc.Characteristics[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}

	return char, nil
}

// Subscribe registers a notification handler for the given characteristic.
// The handler is invoked from the radio stack's callback goroutine; a panic
// inside it is recovered and logged rather than taking down the stack.
func (c *BLEConnection) Subscribe(service, characteristic string, handler device.NotificationHandler) error {
	c.connMutex.RLock()
	if !c.isConnectedInternal() {
		c.connMutex.RUnlock()
		return device.ErrNotConnected
	}

	char, err := c.getCharacteristicLocked(service, characteristic)
	if err != nil {
		c.connMutex.RUnlock()
		return err
	}

	if char.BLEChar.Property&ble.CharNotify == 0 && char.BLEChar.Property&ble.CharIndicate == 0 {
		c.connMutex.RUnlock()
		return fmt.Errorf("characteristic %s in service %s does not support notifications: %w",
			characteristic, service, device.ErrUnsupported)
	}

	client := c.client
	c.connMutex.RUnlock()

	charUUID := char.uuid
	err = NormalizeError(client.Subscribe(char.BLEChar, false, func(data []byte) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"char_uuid": charUUID,
					"panic":     r,
				}).Error("Notification handler panicked")
			}
		}()
		handler(data)
	}))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"serviceUUID": service,
			"charUUID":    characteristic,
			"error":       err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("failed to subscribe to %s: %w", characteristic, err)
	}

	c.logger.WithFields(logrus.Fields{
		"serviceUUID": service,
		"charUUID":    characteristic,
	}).Info("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe stops notifications for the given characteristic.
func (c *BLEConnection) Unsubscribe(service, characteristic string) error {
	c.connMutex.RLock()
	if !c.isConnectedInternal() {
		c.connMutex.RUnlock()
		return device.ErrNotConnected
	}

	char, err := c.getCharacteristicLocked(service, characteristic)
	if err != nil {
		c.connMutex.RUnlock()
		return err
	}

	client := c.client
	c.connMutex.RUnlock()

	return c.tryUnsubscribe(client, char, service, characteristic)
}

// Context returns the connection context, cancelled when the link is lost or
// Disconnect is called. Session owners watch this to detect disconnects.
func (c *BLEConnection) Context() context.Context {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.ctx
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called while holding connMutex.
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

// getCharacteristicLocked looks up a characteristic while the caller holds connMutex.
func (c *BLEConnection) getCharacteristicLocked(service, uuid string) (*BLECharacteristic, error) {
	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	char, ok := svc.Characteristics[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	if char.BLEChar == nil {
		return nil, fmt.Errorf("characteristic %s not initialized", uuid)
	}
	return char, nil
}

// tryUnsubscribe attempts to unsubscribe from a characteristic using both notify and indicate modes.
// Returns an error only if both modes fail.
func (c *BLEConnection) tryUnsubscribe(client ble.Client, char *BLECharacteristic, serviceUUID, charUUID string) error {
	if char.BLEChar == nil {
		return nil
	}

	err1 := NormalizeError(client.Unsubscribe(char.BLEChar, false)) // notify
	err2 := NormalizeError(client.Unsubscribe(char.BLEChar, true))  // indicate

	if err1 != nil && err2 != nil {
		c.logger.WithFields(logrus.Fields{
			"serviceUUID": serviceUUID,
			"charUUID":    charUUID,
			"notifyErr":   err1,
			"indicateErr": err2,
		}).Error("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("%s: notify=%v, indicate=%v", charUUID, err1, err2)
	}

	c.logger.WithFields(logrus.Fields{
		"serviceUUID": serviceUUID,
		"charUUID":    charUUID,
	}).Debug("Unsubscribed from characteristic notifications")
	return nil
}

// unsubscribeAllCharacteristics unsubscribes from all characteristics in the given services.
// Returns a list of error messages for failed unsubscriptions.
// Should be called without holding locks.
func (c *BLEConnection) unsubscribeAllCharacteristics(client ble.Client, services map[string]*BLEService) []string {
	var unsubscribeErrors []string

	if client == nil {
		return unsubscribeErrors
	}

	for serviceUUID, service := range services {
		for charUUID, char := range service.Characteristics {
			if err := c.tryUnsubscribe(client, char, serviceUUID, charUUID); err != nil {
				unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s (in service %s): %v", charUUID, serviceUUID, err))
			}
		}
	}

	return unsubscribeErrors
}
