package core

import (
	"torch-service/internal/fsm"
	"torch-service/internal/messaging"
	"torch-service/internal/types"
	"torch-service/internal/ui"
)

// handleMessage is the consumer. It is the only caller of the engine's
// dispatch methods.
func (s *System) handleMessage(msg types.Message) {
	switch {
	case msg.Kind.IsInput():
		s.engine.DispatchInput(msg)

	case msg.Kind == types.KindInactivityTimeout:
		s.engine.DispatchTimer(msg)

	case msg.Kind == types.KindSafetyShutdown:
		s.logger.Errorf("Safety shutdown (%s)", s.monitor.Status())
		s.engine.EmergencyOff()
		s.publishSafety()

	case msg.Kind == types.KindSystemShutdown:
		s.logger.Warnf("System shutdown requested")
		s.engine.EmergencyOff()

	case msg.Kind == types.KindSafetyWarning:
		s.handleWarning(msg.Severity)

	case msg.Kind == types.KindConfigReload:
		s.reloadConfig()

	case msg.Kind == types.KindReinit:
		s.reinitialize()

	default:
		s.logger.Warnf("Dropping unknown message %s", msg)
	}
}

func (s *System) handleWarning(severity uint8) {
	factor := ui.ThrottleFactor(severity)
	if severity > 0 {
		s.logger.Warnf("Thermal warning severity %d, throttle %d", severity, factor)
	} else {
		s.logger.Infof("Thermal warning cleared")
	}
	if factor == s.output.Throttle() {
		return
	}
	s.output.SetThrottle(factor)
	if err := s.store.PublishThrottle(factor); err != nil {
		s.logger.Warnf("Failed to publish throttle: %v", err)
	}
}

// reloadConfig re-reads timings, brightness and navigation overrides.
// Overrides land on top of the compiled-in tables, so a removed override
// reverts its node.
func (s *System) reloadConfig() {
	settings, err := s.store.LoadSettings()
	if err != nil {
		s.logger.Warnf("Failed to load settings: %v", err)
	} else {
		cfg := s.cfg
		cfg.ApplySettings(settings)
		s.classifier.Configure(cfg.ClickTimeout(), cfg.HoldDuration())
		if settings.Brightness > 0 {
			s.output.SetMemorized(settings.Brightness)
		}
		s.logger.Infof("Settings: click=%v hold=%v brightness=%d",
			cfg.ClickTimeout(), cfg.HoldDuration(), s.output.Memorized())
	}

	overrides, err := s.store.LoadNodeConfigs()
	if err != nil {
		s.logger.Warnf("Failed to load node overrides: %v", err)
		if overrides == nil {
			return
		}
	}
	for id, c := range s.defaults {
		if err := s.registry.Override(id, c); err != nil {
			s.logger.Errorf("Failed to restore node %s: %v", id, err)
		}
	}
	for id, c := range overrides {
		if err := s.registry.Override(id, c); err != nil {
			s.logger.Warnf("Ignoring override: %v", err)
			continue
		}
		s.logger.Debugf("Applied override for node %s", id)
	}
}

func (s *System) callbacks() messaging.Callbacks {
	return messaging.Callbacks{
		ButtonCallback: func(pressed bool) error {
			s.classifier.Feed(pressed)
			return nil
		},
		EmergencyCallback: s.monitor.EmergencyShutdown,
		ReinitCallback:    s.Reinitialize,
		ReloadCallback: func() error {
			return s.post(types.ConfigReload())
		},
		FactoryResetCallback: func() error {
			s.factoryReset()
			return nil
		},
		ShutdownCallback: func() error {
			return s.post(types.SystemShutdown())
		},
		SettingsCallback: func(field string) error {
			s.logger.Debugf("Settings changed: %s", field)
			return s.post(types.ConfigReload())
		},
	}
}

// Engine exposes the navigation engine, mainly for status queries.
func (s *System) Engine() *fsm.Engine { return s.engine }
