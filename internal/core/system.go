// File: internal/core/system.go
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"torch-service/internal/clock"
	"torch-service/internal/config"
	"torch-service/internal/dispatch"
	"torch-service/internal/fsm"
	"torch-service/internal/input"
	"torch-service/internal/logger"
	"torch-service/internal/safety"
	"torch-service/internal/types"
	"torch-service/internal/ui"
)

// Deps are the collaborators System drives. Button may be nil.
type Deps struct {
	Store   Store
	Led     Actuator
	Button  ButtonSource
	Sensors safety.Sensors
	Clock   clock.Clock
}

type System struct {
	cfg    config.Config
	logger *logger.Logger

	store   Store
	led     Actuator
	button  ButtonSource
	sensors safety.Sensors
	clock   clock.Clock

	queue      *dispatch.Dispatcher
	classifier *input.Classifier
	output     *ui.Output
	registry   *fsm.Registry
	engine     *fsm.Engine
	monitor    *safety.Monitor

	// compiled-in navigation tables, restored before overrides are applied
	defaults map[fsm.NodeID]fsm.NodeConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// interlock is the safety monitor's path into the engine. It runs on the
// safety machine's goroutine and never waits for the consumer.
type interlock struct {
	s *System
}

func (i interlock) EmergencyOff() {
	i.s.engine.EmergencyOff()
	if err := i.s.queue.Post(types.SafetyShutdown()); err != nil {
		i.s.logger.Warnf("Failed to post safety shutdown: %v", err)
	}
}

func NewSystem(cfg config.Config, deps Deps, l *logger.Logger) (*System, error) {
	if deps.Store == nil || deps.Led == nil || deps.Sensors == nil {
		return nil, errors.New("store, led and sensors are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	s := &System{
		cfg:     cfg,
		logger:  l.WithTag("core"),
		store:   deps.Store,
		led:     deps.Led,
		button:  deps.Button,
		sensors: deps.Sensors,
		clock:   deps.Clock,
	}

	s.queue = dispatch.New(cfg.Dispatch.QueueDepth, l.WithTag("dispatch"))
	s.classifier = input.NewClassifier(s.clock, s.queue, l.WithTag("input"))
	s.classifier.Configure(cfg.ClickTimeout(), cfg.HoldDuration())

	s.output = ui.NewOutput(s.led, s.clock, l.WithTag("ui"))
	s.output.OnMemorize = s.saveBrightness

	registry, err := ui.NewSimple(s.output, ui.Hooks{
		BatteryMV:    s.batteryMV,
		FactoryReset: s.factoryReset,
	}, l.WithTag("ui"))
	if err != nil {
		return nil, fmt.Errorf("failed to build node graph: %w", err)
	}
	s.registry = registry
	s.defaults = make(map[fsm.NodeID]fsm.NodeConfig)
	for _, id := range registry.IDs() {
		c, err := registry.Config(id)
		if err != nil {
			return nil, err
		}
		s.defaults[id] = c
	}

	s.engine = fsm.NewEngine(registry, s.clock, s.queue, l.WithTag("fsm"),
		fsm.WithSlots(cfg.Engine.MaxSlots),
		fsm.WithOffNode(ui.NodeOff),
		fsm.WithStateChange(s.publishNode),
	)

	s.monitor, err = safety.NewMonitor(s.sensors, interlock{s}, s.queue, cfg.Thresholds(), cfg.Safety.RateHz, l.WithTag("safety"))
	if err != nil {
		return nil, err
	}

	s.store.SetCallbacks(s.callbacks())
	return s, nil
}

// Start brings up the hardware, restores persisted state and launches the
// consumer, the safety loop and the input sources.
func (s *System) Start(ctx context.Context) error {
	s.logger.Infof("Starting torch system")

	if err := s.store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := s.led.Init(); err != nil {
		return fmt.Errorf("failed to initialize LED: %w", err)
	}
	if err := s.prepare(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	if err := s.monitor.Start(gctx); err != nil {
		cancel()
		return err
	}

	g.Go(func() error {
		return s.queue.Run(gctx, dispatch.HandlerFunc(s.handleMessage))
	})
	g.Go(func() error {
		return s.monitor.Run(gctx)
	})
	if s.button != nil {
		g.Go(func() error {
			if err := s.button.Run(gctx, s.classifier.Feed); err != nil {
				return fmt.Errorf("button source failed: %w", err)
			}
			return nil
		})
	} else {
		s.logger.Infof("No button source, accepting virtual edges only")
	}

	s.mu.Lock()
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	// Start Redis listeners now that everything is initialized
	if err := s.store.StartListening(); err != nil {
		s.Shutdown()
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	s.logger.Infof("System started successfully")
	return nil
}

// prepare applies persisted settings and overrides and enters the home node.
func (s *System) prepare() error {
	s.reloadConfig()
	if err := s.engine.Initialize(ui.NodeOff); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	return nil
}

// Wait blocks until the supervised goroutines exit and returns the first
// error any of them reported.
func (s *System) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (s *System) Shutdown() {
	s.logger.Infof("Shutting down torch system")

	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			s.logger.Warnf("Worker exited with error: %v", err)
		}
	}
	s.monitor.Stop()

	s.engine.EmergencyOff()
	s.output.Off()
	s.led.Cleanup()

	if err := s.store.Close(); err != nil {
		s.logger.Warnf("Failed to close Redis client: %v", err)
	}
}

// Reinitialize queues a re-initialization. The consumer runs it, so it
// never races an input that is being dispatched.
func (s *System) Reinitialize() error {
	return s.post(types.Reinit())
}

// reinitialize leaves a latched emergency off: the safety interlock is
// re-armed and the engine re-enters the home node. It is a no-op when not
// latched. Consumer only.
func (s *System) reinitialize() {
	if !s.engine.EmergencyLatched() {
		s.logger.Infof("Reinit requested while not latched, ignoring")
		return
	}
	if err := s.monitor.Rearm(); err != nil {
		s.logger.Errorf("Failed to re-arm safety monitor: %v", err)
		return
	}
	if err := s.engine.Initialize(ui.NodeOff); err != nil {
		s.logger.Errorf("Failed to re-initialize engine: %v", err)
		return
	}
	s.publishSafety()
	s.logger.Infof("Re-initialized at %s", s.engine.Current())
}

func (s *System) post(msg types.Message) error {
	if err := s.queue.Post(msg); err != nil {
		return fmt.Errorf("failed to post %s: %w", msg, err)
	}
	return nil
}

func (s *System) publishNode(from, to *fsm.Node) {
	if to == nil {
		return
	}
	if err := s.store.PublishNode(to.Name); err != nil {
		s.logger.Warnf("Failed to publish node %s: %v", to, err)
	}
}

func (s *System) publishSafety() {
	if err := s.store.PublishSafety(s.monitor.Status().String()); err != nil {
		s.logger.Warnf("Failed to publish safety status: %v", err)
	}
}

func (s *System) saveBrightness(level uint8) {
	if err := s.store.SaveBrightness(level); err != nil {
		s.logger.Warnf("Failed to save brightness %d: %v", level, err)
	}
}

func (s *System) batteryMV() int {
	return s.monitor.Readings().VoltageMV
}

// factoryReset wipes persisted state and schedules a reload so the
// compiled-in tables and timings take effect again.
func (s *System) factoryReset() {
	if err := s.store.FactoryReset(); err != nil {
		s.logger.Errorf("Factory reset failed: %v", err)
		return
	}
	s.output.SetMemorized(ui.DefaultMemorized)
	if err := s.post(types.ConfigReload()); err != nil {
		s.logger.Warnf("%v", err)
	}
}
