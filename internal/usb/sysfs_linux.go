//go:build linux

package usb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kstaniek/go-canalyst-server/internal/logging"
)

// Sysfs-based discovery of the adapter. Device entries under
// /sys/bus/usb/devices look like "1-1" or "1-1.2"; interface entries
// contain a colon and bus roots start with "usb", both are skipped.

var (
	sysfsUSBPath = "/sys/bus/usb/devices" // overridable in tests
	devfsUSBPath = "/dev/bus/usb"
)

// expectedProduct is the product string of the only firmware this driver
// has been verified against.
const expectedProduct = "Chuangxin Tech USBCAN/CANalyst-II"

// ErrNoDevice is returned when no adapter with the expected VID:PID is
// connected.
var ErrNoDevice = errors.New("usb: no matching device found")

// DeviceInfo describes one discovered adapter.
type DeviceInfo struct {
	SysfsPath string
	DevfsPath string
	BusNum    int
	DevNum    int
	Product   string
}

func readAttr(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readAttrInt(dir, name string, base int) (int, error) {
	s, err := readAttr(dir, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, base, 32)
	return int(n), err
}

// Discover scans sysfs for devices matching vendorID:productID and
// returns them in directory order.
func Discover(vendorID, productID uint16) ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsUSBPath)
	if err != nil {
		return nil, fmt.Errorf("usb: scan %s: %w", sysfsUSBPath, err)
	}
	var found []DeviceInfo
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		dir := filepath.Join(sysfsUSBPath, name)
		vid, err := readAttrInt(dir, "idVendor", 16)
		if err != nil || uint16(vid) != vendorID {
			continue
		}
		pid, err := readAttrInt(dir, "idProduct", 16)
		if err != nil || uint16(pid) != productID {
			continue
		}
		busNum, err := readAttrInt(dir, "busnum", 10)
		if err != nil {
			continue
		}
		devNum, err := readAttrInt(dir, "devnum", 10)
		if err != nil {
			continue
		}
		product, _ := readAttr(dir, "product")
		found = append(found, DeviceInfo{
			SysfsPath: dir,
			DevfsPath: fmt.Sprintf("%s/%03d/%03d", devfsUSBPath, busNum, devNum),
			BusNum:    busNum,
			DevNum:    devNum,
			Product:   product,
		})
	}
	return found, nil
}

// OpenIndex discovers adapters by VID:PID and opens the index-th one.
// As this is an unofficial driver, an unexpected product string only
// logs a warning: other firmware versions may be out there.
func OpenIndex(vendorID, productID uint16, index int) (*Device, error) {
	devices, err := Discover(vendorID, productID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %04x:%04x", ErrNoDevice, vendorID, productID)
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("%w: index %d, only %d device(s) connected", ErrNoDevice, index, len(devices))
	}
	info := devices[index]
	if info.Product != expectedProduct {
		logging.L().Warn("usb_unexpected_product", "product", info.Product,
			"note", "firmware version may be unsupported")
	}
	return Open(info.DevfsPath)
}
