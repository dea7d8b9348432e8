package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"torch-service/internal/logger"
)

// GpioButton watches a button wired straight to a GPIO line.
type GpioButton struct {
	logger    *logger.Logger
	line      Line
	activeLow bool
	debounce  time.Duration
}

func NewGpioButton(line Line, activeLow bool, debounce time.Duration, l *logger.Logger) *GpioButton {
	if debounce <= 0 {
		debounce = DefaultButtonDebounce
	}
	return &GpioButton{logger: l, line: line, activeLow: activeLow, debounce: debounce}
}

func (b *GpioButton) options(onEdge EdgeFunc) []gpiocdev.LineReqOption {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithConsumer(Consumer),
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(b.debounce),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			b.handleEvent(evt, onEdge)
		}),
	}
	if b.activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	return opts
}

// Run requests the line and reports edges until ctx is done.
func (b *GpioButton) Run(ctx context.Context, onEdge EdgeFunc) error {
	l, err := gpiocdev.RequestLine(b.line.Chip, b.line.Offset, b.options(onEdge)...)
	if err != nil {
		return fmt.Errorf("failed to request button line %s:%d: %w", b.line.Chip, b.line.Offset, err)
	}
	defer l.Close()
	b.logger.Infof("Watching button on %s:%d (active-low=%v, debounce=%v)",
		b.line.Chip, b.line.Offset, b.activeLow, b.debounce)

	<-ctx.Done()
	b.logger.Infof("Stopping button watch")
	return nil
}

// Edges are logical: with active-low set, the kernel already inverted them.
func (b *GpioButton) handleEvent(evt gpiocdev.LineEvent, onEdge EdgeFunc) {
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		onEdge(true)
	case gpiocdev.LineEventFallingEdge:
		onEdge(false)
	default:
		b.logger.Debugf("Ignoring line event type %v", evt.Type)
	}
}
