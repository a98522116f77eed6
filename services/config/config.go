package config

import (
	"context"
	"errors"

	"fwupdate-go/bus"
	"fwupdate-go/x/logx"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// String constants
// -----------------------------------------------------------------------------

const (
	serviceName  = "config"
	configPrefix = "config"
)

type ctxKey string

// CtxDeviceKey is the context key holding the device ID.
const CtxDeviceKey ctxKey = "device"

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
}

func NewConfigService() *ConfigService {
	return &ConfigService{Name: serviceName}
}

// publishConfig reads the device config from embedded YAML and publishes each
// top-level key as a retained config/<key> message.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return errors.New("missing device ID in context")
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return errors.New("no embedded config for device: " + device)
	}

	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return err
	}
	if m == nil {
		return errors.New("embedded config is not a mapping")
	}

	for k, v := range m {
		conn.Publish(&bus.Message{
			Topic:    bus.T(configPrefix, k),
			Payload:  v,
			Retained: true,
		})
	}
	return nil
}

// Start publishes the embedded config once. Errors are logged.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			logx.Errorf("[config] %v", err)
		}
	}()
}

// Decode converts a config payload into out. Payloads arrive either as the
// generic values produced by the YAML decoder or already typed; both are
// round-tripped through YAML so struct tags apply.
func Decode(payload any, out any) error {
	switch v := payload.(type) {
	case nil:
		return errors.New("empty config payload")
	case []byte:
		return yaml.Unmarshal(v, out)
	case string:
		return yaml.Unmarshal([]byte(v), out)
	}
	b, err := yaml.Marshal(payload)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}
