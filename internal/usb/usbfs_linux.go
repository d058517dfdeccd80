//go:build linux

package usb

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canalyst-server/internal/logging"
)

// Bulk transport over the Linux usbdevfs character device
// (/dev/bus/usb/BBB/DDD). Implements canalyst.Transport with synchronous
// USBDEVFS_BULK ioctls; no URB queueing is needed for this adapter's
// strictly request/response traffic.

// ioctl request encoding (asm-generic/ioctl.h). x/sys/unix does not
// export the usbdevfs request numbers, so they are built here.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	usbdevfsType = 'U'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | usbdevfsType<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// bulkRequest must match the kernel's struct usbdevfs_bulktransfer.
type bulkRequest struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	_        uint32 // alignment before the pointer on 64-bit
	data     uintptr
}

var (
	reqSetConfiguration = ioc(iocRead, 5, unsafe.Sizeof(uint32(0)))
	reqBulk             = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(bulkRequest{}))
	reqClaimInterface   = ioc(iocRead, 15, unsafe.Sizeof(uint32(0)))
	reqReleaseInterface = ioc(iocRead, 16, unsafe.Sizeof(uint32(0)))
	reqReset            = ioc(iocNone, 20, 0)
)

// defaultBulkTimeoutMS bounds each bulk transfer; the adapter answers
// commands well under this.
const defaultBulkTimeoutMS = 1000

// Device is an open usbdevfs handle with the adapter's interface
// claimed. Methods issue one blocking bulk transfer each and perform no
// locking; serialize externally for multi-goroutine use.
type Device struct {
	fd        int
	iface     uint32
	timeoutMS uint32
	logger    *slog.Logger
}

// Open opens the usbdevfs node at path, selects configuration 1 and
// claims interface 0, matching the adapter's single-interface layout.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("usb: open %s: %w", path, err)
	}
	d := &Device{fd: fd, timeoutMS: defaultBulkTimeoutMS, logger: logging.L()}
	cfg := uint32(1)
	if err := d.ioctl(reqSetConfiguration, uintptr(unsafe.Pointer(&cfg))); err != nil {
		// A previously-configured device may refuse while the interface
		// is bound; not fatal, the claim below decides.
		d.logger.Warn("usb_set_configuration_failed", "path", path, "error", err)
	}
	if err := d.ioctl(reqClaimInterface, uintptr(unsafe.Pointer(&d.iface))); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("usb: claim interface %d on %s: %w", d.iface, path, err)
	}
	return d, nil
}

func (d *Device) ioctl(req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) bulk(endpoint int, data []byte) (int, error) {
	b := bulkRequest{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  d.timeoutMS,
	}
	if len(data) > 0 {
		b.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), reqBulk, uintptr(unsafe.Pointer(&b)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Write sends data to an OUT endpoint in a single bulk transfer.
func (d *Device) Write(endpoint int, data []byte) error {
	n, err := d.bulk(endpoint, data)
	if err != nil {
		return fmt.Errorf("usb: bulk write ep %#x: %w", endpoint, err)
	}
	if n != len(data) {
		return fmt.Errorf("usb: bulk write ep %#x: short write %d of %d", endpoint, n, len(data))
	}
	return nil
}

// Read performs one bulk IN transfer of up to maxLen bytes. The endpoint
// number must already carry the device-to-host bit.
func (d *Device) Read(endpoint, maxLen int) ([]byte, error) {
	buf := make([]byte, maxLen)
	n, err := d.bulk(endpoint, buf)
	if err != nil {
		return nil, fmt.Errorf("usb: bulk read ep %#x: %w", endpoint, err)
	}
	return buf[:n], nil
}

// Close releases the claimed interface, resets the device so it can be
// reopened later in the same process, and closes the file descriptor.
// This is the single, explicit teardown path; there are no finalizers.
func (d *Device) Close() error {
	if err := d.ioctl(reqReleaseInterface, uintptr(unsafe.Pointer(&d.iface))); err != nil {
		d.logger.Warn("usb_release_interface_failed", "error", err)
	}
	if err := d.ioctl(reqReset, 0); err != nil {
		d.logger.Warn("usb_reset_failed", "error", err)
	}
	return unix.Close(d.fd)
}
