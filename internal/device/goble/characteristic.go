package goble

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/kiribridge/internal/device"
)

const (
	// DefaultWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines an ATT_MTU of 23 bytes, leaving 20 bytes of payload after the
	// ATT header. Keeping chunks at 20 bytes stays compatible with all BLE versions.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay is the delay between consecutive write chunks.
	// This prevents overwhelming the peripheral's receive buffer.
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultReadTimeout bounds characteristic reads so an unresponsive
	// device cannot block the caller indefinitely.
	DefaultReadTimeout = 5 * time.Second
)

// BLECharacteristic wraps a live ble.Characteristic handle with its metadata
type BLECharacteristic struct {
	uuid       string
	knownName  string
	properties device.Properties
	BLEChar    *ble.Characteristic
	connection *BLEConnection // parent connection owns the client and write serialization
}

func NewCharacteristic(c *ble.Characteristic, conn *BLEConnection) *BLECharacteristic {
	rawUUID := c.UUID.String()
	uuid := device.NormalizeUUID(rawUUID)

	return &BLECharacteristic{
		uuid:       uuid,
		knownName:  device.KnownCharacteristicName(uuid),
		BLEChar:    c,
		properties: NewProperties(c.Property),
		connection: conn,
	}
}

func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

func (c *BLECharacteristic) KnownName() string {
	return c.knownName
}

func (c *BLECharacteristic) GetProperties() device.Properties {
	return c.properties
}

// Read reads the current value of the characteristic from the device.
// The timeout prevents indefinite blocking if the device becomes unresponsive;
// a zero timeout falls back to DefaultReadTimeout.
func (c *BLECharacteristic) Read(timeout time.Duration) ([]byte, error) {
	if c.BLEChar == nil {
		return nil, fmt.Errorf("characteristic %s not initialized", c.uuid)
	}
	if timeout == 0 {
		timeout = DefaultReadTimeout
	}

	client, err := c.snapshotClient()
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := client.ReadCharacteristic(c.BLEChar)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(result.err))
		}
		return result.data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("reading characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

// Write sends data to the characteristic in MTU-sized chunks. Writes on the
// same connection are serialized by the connection's write mutex. The timeout
// covers the whole chunked transfer; a zero timeout disables it.
func (c *BLECharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	if c.BLEChar == nil {
		return fmt.Errorf("characteristic %s not initialized", c.uuid)
	}

	client, err := c.snapshotClient()
	if err != nil {
		return err
	}

	resultCh := make(chan error, 1)
	go func() {
		c.connection.writeMutex.Lock()
		defer c.connection.writeMutex.Unlock()

		remaining := data
		for len(remaining) > 0 {
			n := len(remaining)
			if n > DefaultWriteChunkSize {
				n = DefaultWriteChunkSize
			}
			if err := client.WriteCharacteristic(c.BLEChar, remaining[:n], !withResponse); err != nil {
				resultCh <- fmt.Errorf("failed to write characteristic %s: %w", c.uuid, NormalizeError(err))
				return
			}
			remaining = remaining[n:]
			if len(remaining) > 0 {
				time.Sleep(DefaultWriteDelay)
			}
		}
		resultCh <- nil
	}()

	if timeout == 0 {
		return <-resultCh
	}

	select {
	case err := <-resultCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("writing characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

// snapshotClient grabs the live client under the connection lock so the
// network call itself happens without holding it.
func (c *BLECharacteristic) snapshotClient() (ble.Client, error) {
	if c.connection == nil {
		return nil, fmt.Errorf("no connection available for characteristic %s", c.uuid)
	}

	c.connection.connMutex.RLock()
	defer c.connection.connMutex.RUnlock()
	if !c.connection.isConnectedInternal() {
		return nil, device.ErrNotConnected
	}
	return c.connection.client, nil
}
