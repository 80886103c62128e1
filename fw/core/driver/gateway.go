package driver

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dashke/fort/fw/common/logx"
)

// Gateway is the kernel-filter sink. Both writes are local synchronous
// device calls; a failed write leaves the filter on its previous state.
type Gateway interface {
	// WriteConf replaces the whole configuration (or only the flag subset).
	WriteConf(buf []byte, onlyFlags bool) error
	// WriteApp applies a single encoded rule entry, or removes one.
	WriteApp(buf []byte, remove bool) error
}

// Device op codes, one per write mode.
const (
	opConf      = 1
	opConfFlags = 2
	opAppSet    = 3
	opAppDel    = 4
)

var devLog = logx.New(logx.WithPrefix("driver"))

// Device frames each buffer with an op header and writes it to the filter
// device node.
type Device struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open driver device %s: %w", path, err)
	}
	devLog.Infof("device opened: %s", path)
	return &Device{f: f, path: path}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *Device) WriteConf(buf []byte, onlyFlags bool) error {
	op := byte(opConf)
	if onlyFlags {
		op = opConfFlags
	}
	return d.write(op, buf)
}

func (d *Device) WriteApp(buf []byte, remove bool) error {
	op := byte(opAppSet)
	if remove {
		op = opAppDel
	}
	return d.write(op, buf)
}

func (d *Device) write(op byte, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return fmt.Errorf("driver device %s is closed", d.path)
	}

	// header: op, 3 reserved bytes, payload size
	hdr := make([]byte, 8)
	hdr[0] = op
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(buf)))

	if _, err := d.f.Write(append(hdr, buf...)); err != nil {
		return fmt.Errorf("driver write (op=%d, size=%d): %w", op, len(buf), err)
	}
	devLog.Debugf("wrote op=%d size=%d", op, len(buf))
	return nil
}

// Noop stands in when no driver is present (dev machines, tests): accepts
// everything and only logs sizes.
type Noop struct{}

func (Noop) WriteConf(buf []byte, onlyFlags bool) error {
	devLog.Debugf("noop conf write size=%d onlyFlags=%v", len(buf), onlyFlags)
	return nil
}

func (Noop) WriteApp(buf []byte, remove bool) error {
	devLog.Debugf("noop app write size=%d remove=%v", len(buf), remove)
	return nil
}
