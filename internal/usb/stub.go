//go:build !linux

package usb

import "errors"

// ErrUnsupported is returned on platforms without usbdevfs so the
// backend code can compile everywhere.
var ErrUnsupported = errors.New("usb: usbdevfs transport requires linux")

// Device is a placeholder for non-linux builds.
type Device struct{}

func Open(path string) (*Device, error) { return nil, ErrUnsupported }

func OpenIndex(vendorID, productID uint16, index int) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Write(endpoint int, data []byte) error     { return ErrUnsupported }
func (d *Device) Read(endpoint, maxLen int) ([]byte, error) { return nil, ErrUnsupported }
func (d *Device) Close() error                              { return nil }
