package hardware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"torch-service/internal/logger"
)

// EdgeFunc receives debounced button edges: true on press, false on release.
type EdgeFunc func(pressed bool)

type InputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// struct input_event: timeval, type, code, value.
var (
	timevalSize    = int(unsafe.Sizeof(unix.Timeval{}))
	inputEventSize = timevalSize + 8
)

// EvdevButton reads one key of a gpio-keys input device.
type EvdevButton struct {
	logger *logger.Logger
	path   string
	code   uint16

	mu      sync.Mutex
	file    *os.File
	pressed bool
}

func NewEvdevButton(path string, code uint16, l *logger.Logger) *EvdevButton {
	if path == "" {
		path = GpioKeysInput
	}
	if code == 0 {
		code = KEY_POWER
	}
	return &EvdevButton{logger: l, path: path, code: code}
}

func (b *EvdevButton) Open() error {
	b.logger.Infof("Opening input device: %s (key %d)", b.path, b.code)
	f, err := os.OpenFile(b.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open input device %s: %w", b.path, err)
	}

	b.mu.Lock()
	b.file = f
	b.mu.Unlock()

	if err := b.readInitialState(); err != nil {
		b.logger.Warnf("Failed to read initial key state: %v", err)
	}
	return nil
}

// Pressed reports the last known key state.
func (b *EvdevButton) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressed
}

// evioCGKey is EVIOCGKEY(n): _IOC(_IOC_READ, 'E', 0x18, n).
func evioCGKey(n int) uintptr {
	return uintptr(2)<<30 | uintptr(n)<<16 | uintptr('E')<<8 | 0x18
}

func (b *EvdevButton) readInitialState() error {
	buffer := make([]byte, 128)
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		b.file.Fd(),
		evioCGKey(len(buffer)),
		uintptr(unsafe.Pointer(&buffer[0])),
	)
	if errno != 0 {
		return fmt.Errorf("EVIOCGKEY ioctl failed: %w", errno)
	}

	pressed := keyBitSet(buffer, b.code)
	b.mu.Lock()
	b.pressed = pressed
	b.mu.Unlock()
	b.logger.Infof("Initial state: key %d pressed=%v", b.code, pressed)
	return nil
}

func keyBitSet(bits []byte, code uint16) bool {
	byteOffset := int(code / 8)
	if byteOffset >= len(bits) {
		return false
	}
	return bits[byteOffset]&(1<<(code%8)) != 0
}

// Run reads events until ctx is done, reporting edges of the configured key.
func (b *EvdevButton) Run(ctx context.Context, onEdge EdgeFunc) error {
	b.mu.Lock()
	f := b.file
	b.mu.Unlock()
	if f == nil {
		return fmt.Errorf("input device %s not open", b.path)
	}

	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	buffer := make([]byte, inputEventSize)
	b.logger.Debugf("Starting input event monitoring with buffer size: %d", len(buffer))

	for {
		n, err := f.Read(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				b.logger.Infof("Stopping input monitoring")
				return nil
			}
			b.logger.Warnf("Error reading input: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n != len(buffer) {
			b.logger.Warnf("Incomplete read: got %d bytes, expected %d", n, len(buffer))
			continue
		}

		b.handleEvent(decodeEvent(buffer), onEdge)
	}
}

func decodeEvent(buf []byte) InputEvent {
	var ev InputEvent
	if timevalSize == 16 {
		ev.Sec = int64(binary.LittleEndian.Uint64(buf[0:8]))
		ev.Usec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	} else {
		ev.Sec = int64(int32(binary.LittleEndian.Uint32(buf[0:4])))
		ev.Usec = int64(int32(binary.LittleEndian.Uint32(buf[4:8])))
	}
	ev.Type = binary.LittleEndian.Uint16(buf[timevalSize : timevalSize+2])
	ev.Code = binary.LittleEndian.Uint16(buf[timevalSize+2 : timevalSize+4])
	ev.Value = int32(binary.LittleEndian.Uint32(buf[timevalSize+4 : timevalSize+8]))
	return ev
}

func (b *EvdevButton) handleEvent(ev InputEvent, onEdge EdgeFunc) {
	if ev.Type != EV_KEY || ev.Code != b.code {
		return
	}
	// 2 is autorepeat
	if ev.Value > 1 {
		return
	}

	pressed := ev.Value == 1
	b.mu.Lock()
	changed := b.pressed != pressed
	b.pressed = pressed
	b.mu.Unlock()

	if !changed {
		b.logger.Debugf("Duplicate key event: code=%d value=%d", ev.Code, ev.Value)
		return
	}
	b.logger.Debugf("Key event: code=%d pressed=%v time=%d.%06d", ev.Code, pressed, ev.Sec, ev.Usec)
	onEdge(pressed)
}

func (b *EvdevButton) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
