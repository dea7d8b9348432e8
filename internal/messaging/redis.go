package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"torch-service/internal/fsm"
	"torch-service/internal/logger"
	"torch-service/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	// StateHash holds the published runtime state; its channel carries the
	// name of the field that changed.
	StateHash = "torch"
	// SettingsHash holds click-timeout, hold-duration and brightness.
	SettingsHash = "torch:settings"
	// NodesHash holds one binary navigation override per node id.
	NodesHash = "torch:nodes"
	// SettingsChannel announces changes to SettingsHash or NodesHash.
	SettingsChannel = "torch:settings"

	ButtonList  = "torch:button"
	CommandList = "torch:command"
)

const (
	fieldClickTimeout = "click-timeout"
	fieldHoldDuration = "hold-duration"
	fieldBrightness   = "brightness"
)

var ErrInvalidCommand = errors.New("invalid command")

type Callbacks struct {
	ButtonCallback       func(pressed bool) error // "press" / "release"
	EmergencyCallback    func() error
	ReinitCallback       func() error
	ReloadCallback       func() error
	FactoryResetCallback func() error
	ShutdownCallback     func() error
	SettingsCallback     func(field string) error // field that was updated
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCallbacks replaces the command callbacks. Call it before StartListening.
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Warnf("Redis connection failed: %v", err)
		return fmt.Errorf("redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts the settings subscriber and the list command listeners.
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	pubsub := r.client.Subscribe(r.ctx, SettingsChannel)
	if _, err := pubsub.Receive(r.ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", SettingsChannel, err)
	}
	r.logger.Infof("Subscribed to Redis channel: %s", SettingsChannel)

	r.wg.Add(3)
	go r.redisListener(pubsub)
	go r.listCommandListener(ButtonList, r.handleButtonCommand)
	go r.listCommandListener(CommandList, r.handleCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Short timeout so cancellation is noticed.
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if errors.Is(err, context.Canceled) {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Warnf("Error reading from %s list: %v", key, err)
				time.Sleep(time.Second)
				continue
			}

			if len(result) >= 2 { // BRPOP returns [key, value]
				value := result[1]
				r.logger.Debugf("Received command from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("Error handling %s command: %v", key, err)
				}
			}
		}
	}
}

func (r *RedisClient) handleButtonCommand(value string) error {
	if r.callbacks.ButtonCallback == nil {
		return nil
	}
	switch value {
	case "press", "release":
		return r.callbacks.ButtonCallback(value == "press")
	default:
		return fmt.Errorf("%w: button %q", ErrInvalidCommand, value)
	}
}

func (r *RedisClient) handleCommand(value string) error {
	var cb func() error
	switch value {
	case "emergency":
		cb = r.callbacks.EmergencyCallback
	case "reinit":
		cb = r.callbacks.ReinitCallback
	case "reload":
		cb = r.callbacks.ReloadCallback
	case "factory-reset":
		cb = r.callbacks.FactoryResetCallback
	case "shutdown":
		cb = r.callbacks.ShutdownCallback
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCommand, value)
	}
	if cb == nil {
		r.logger.Debugf("No handler for command %s", value)
		return nil
	}
	return cb()
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok || msg == nil {
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			if msg.Channel == SettingsChannel && r.callbacks.SettingsCallback != nil {
				r.logger.Infof("Processing settings update: %s", msg.Payload)
				if err := r.callbacks.SettingsCallback(msg.Payload); err != nil {
					r.logger.Warnf("Failed to handle settings update: %v", err)
				}
			}
		}
	}
}

// publishHashSet atomically updates a hash field and publishes the field name.
func (r *RedisClient) publishHashSet(hash, field string, value interface{}) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.HSet(r.ctx, hash, field+":timestamp", time.Now().Format(time.RFC3339))
	pipe.Publish(r.ctx, hash, field)
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishNode announces the current UI node.
func (r *RedisClient) PublishNode(name string) error {
	r.logger.Debugf("Publishing node: %s", name)
	if err := r.publishHashSet(StateHash, "node", name); err != nil {
		r.logger.Warnf("Failed to publish node: %v", err)
		return err
	}
	return nil
}

// PublishSafety announces the safety status ("ok", "overtemp", ...).
func (r *RedisClient) PublishSafety(status string) error {
	r.logger.Debugf("Publishing safety status: %s", status)
	return r.publishHashSet(StateHash, "safety", status)
}

// PublishThrottle announces the output throttle factor (255 = full output).
func (r *RedisClient) PublishThrottle(factor uint8) error {
	return r.publishHashSet(StateHash, "throttle", int(factor))
}

// LoadSettings reads the persisted settings. Missing fields stay zero.
func (r *RedisClient) LoadSettings() (types.Settings, error) {
	values, err := r.client.HGetAll(r.ctx, SettingsHash).Result()
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to read %s: %w", SettingsHash, err)
	}
	return ParseSettings(values)
}

// SaveBrightness persists the memorized output level. It does not notify
// subscribers; the level is only read back at startup.
func (r *RedisClient) SaveBrightness(level uint8) error {
	if err := r.client.HSet(r.ctx, SettingsHash, fieldBrightness, int(level)).Err(); err != nil {
		return fmt.Errorf("failed to save brightness: %w", err)
	}
	return nil
}

// LoadNodeConfigs reads every persisted navigation override.
func (r *RedisClient) LoadNodeConfigs() (map[fsm.NodeID]fsm.NodeConfig, error) {
	values, err := r.client.HGetAll(r.ctx, NodesHash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", NodesHash, err)
	}
	return ParseNodeConfigs(values)
}

// FactoryReset wipes every persisted setting and override.
func (r *RedisClient) FactoryReset() error {
	r.logger.Warnf("Factory reset: deleting %s and %s", SettingsHash, NodesHash)
	if err := r.client.Del(r.ctx, SettingsHash, NodesHash).Err(); err != nil {
		return fmt.Errorf("factory reset failed: %w", err)
	}
	return nil
}

// ParseSettings decodes the settings hash. Durations are in milliseconds.
func ParseSettings(values map[string]string) (types.Settings, error) {
	var s types.Settings
	for field, value := range values {
		switch field {
		case fieldClickTimeout, fieldHoldDuration, fieldBrightness:
		default:
			continue
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return types.Settings{}, fmt.Errorf("setting %s=%q: %w", field, value, err)
		}
		switch field {
		case fieldClickTimeout:
			s.ClickTimeout = time.Duration(n) * time.Millisecond
		case fieldHoldDuration:
			s.HoldDuration = time.Duration(n) * time.Millisecond
		case fieldBrightness:
			if n > 255 {
				return types.Settings{}, fmt.Errorf("setting %s=%d out of range", field, n)
			}
			s.Brightness = uint8(n)
		}
	}
	return s, nil
}

// ParseNodeConfigs decodes the overrides hash; fields are decimal node ids.
func ParseNodeConfigs(values map[string]string) (map[fsm.NodeID]fsm.NodeConfig, error) {
	configs := make(map[fsm.NodeID]fsm.NodeConfig, len(values))
	var errs []error
	for field, value := range values {
		id, err := strconv.ParseUint(field, 10, 8)
		if err != nil || fsm.NodeID(id) == fsm.NoNode {
			errs = append(errs, fmt.Errorf("bad node id %q", field))
			continue
		}
		var c fsm.NodeConfig
		if err := c.UnmarshalBinary([]byte(value)); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", field, err))
			continue
		}
		configs[fsm.NodeID(id)] = c
	}
	return configs, errors.Join(errs...)
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Warnf("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
