package mqtt

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"phinbridge/internal/storage"
)

const (
	discoveryNamespace = "mqtt"
	discoveryFlagKey   = "discoveryPublished"
	discoveryComponent = "phinbridge"
)

// DiscoveryTopic returns the Home Assistant discovery topic of a sensor
func DiscoveryTopic(sensorID string) string {
	return "homeassistant/sensor/" + discoveryComponent + "/" + sanitizeID(sensorID) + "/config"
}

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	client  Transport
	logger  *zap.Logger
	storage storage.Storage

	// Cache of generated discovery configs
	discoveryConfigs map[string][]byte
	discoveryMu      sync.RWMutex

	lastSensorCount int
	mu              sync.Mutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(client Transport, logger *zap.Logger, store storage.Storage) *DiscoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscoveryManager{
		client:           client,
		logger:           logger.Named("mqtt.discovery"),
		storage:          store,
		discoveryConfigs: make(map[string][]byte),
	}
}

// ShouldRepublishDiscovery reports whether discovery was never published
// or the number of sensors changed since the last call.
func (d *DiscoveryManager) ShouldRepublishDiscovery(currentSensorCount int) bool {
	published := false
	if d.storage != nil {
		if v, err := d.storage.GetString(discoveryNamespace, discoveryFlagKey); err == nil {
			published = v == "true"
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	shouldPublish := !published || currentSensorCount != d.lastSensorCount
	if shouldPublish {
		d.lastSensorCount = currentSensorCount
	}
	return shouldPublish
}

// PublishDiscoveryConfig publishes discovery config for a single sensor
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *SensorConfig) error {
	if cfg == nil {
		return nil
	}

	configJSON, err := d.generateDiscoveryConfig(cfg)
	if err != nil {
		return err
	}

	return d.client.PublishRaw(DiscoveryTopic(cfg.SensorID), configJSON, true)
}

// PublishMultipleDiscoveryConfigs publishes discovery configs for multiple
// sensors. Failures are logged; the first one is returned and the published
// flag is only set when every config went out.
func (d *DiscoveryManager) PublishMultipleDiscoveryConfigs(configs []*SensorConfig) error {
	var first error
	for _, cfg := range configs {
		if err := d.PublishDiscoveryConfig(cfg); err != nil {
			d.logger.Warn("failed to publish discovery", zap.String("sensor", cfg.SensorID), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return first
	}

	d.markDiscoveryPublished(true)
	d.logger.Info("published discovery configs", zap.Int("sensors", len(configs)))
	return nil
}

// Invalidate drops cached configs and the published flag so the next
// ShouldRepublishDiscovery call reports true.
func (d *DiscoveryManager) Invalidate() {
	d.discoveryMu.Lock()
	d.discoveryConfigs = make(map[string][]byte)
	d.discoveryMu.Unlock()

	d.markDiscoveryPublished(false)
}

// generateDiscoveryConfig generates and caches Home Assistant discovery config
func (d *DiscoveryManager) generateDiscoveryConfig(cfg *SensorConfig) ([]byte, error) {
	d.discoveryMu.RLock()
	if config, ok := d.discoveryConfigs[cfg.SensorID]; ok {
		d.discoveryMu.RUnlock()
		return config, nil
	}
	d.discoveryMu.RUnlock()

	prefix := d.client.GetConfig().Prefix

	discoveryConfig := map[string]any{
		"name":                  cfg.Name,
		"unique_id":             discoveryComponent + "_" + sanitizeID(cfg.SensorID),
		"state_topic":           joinTopic(prefix, DriverStateTopic(cfg.SensorID)),
		"availability_topic":    joinTopic(prefix, AvailabilityTopic),
		"payload_available":     PayloadOnline,
		"payload_not_available": PayloadOffline,
	}

	if cfg.Unit != "" {
		discoveryConfig["unit_of_measurement"] = cfg.Unit
	}
	if cfg.DeviceClass != "" {
		discoveryConfig["device_class"] = cfg.DeviceClass
	}
	if cfg.StateClass != "" {
		discoveryConfig["state_class"] = cfg.StateClass
	}
	if cfg.Icon != "" {
		discoveryConfig["icon"] = cfg.Icon
	}

	// Device information for grouping in Home Assistant
	if cfg.DeviceInfo != nil {
		discoveryConfig["device"] = map[string]any{
			"identifiers":  cfg.DeviceInfo.Identifiers,
			"name":         cfg.DeviceInfo.Name,
			"model":        cfg.DeviceInfo.Model,
			"manufacturer": cfg.DeviceInfo.Manufacturer,
		}
	}

	configJSON, err := json.Marshal(discoveryConfig)
	if err != nil {
		return nil, err
	}

	d.discoveryMu.Lock()
	d.discoveryConfigs[cfg.SensorID] = configJSON
	d.discoveryMu.Unlock()

	return configJSON, nil
}

func (d *DiscoveryManager) markDiscoveryPublished(published bool) {
	if d.storage == nil {
		return
	}
	value := "false"
	if published {
		value = "true"
	}
	if err := d.storage.SetString(discoveryNamespace, discoveryFlagKey, value); err != nil {
		d.logger.Warn("failed to store discovery flag", zap.Error(err))
	}
}
