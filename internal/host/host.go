// Package host is the local automation platform runtime: it persists custom
// parameters and notices, publishes driver values and signals restarts.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"phinbridge/internal/events"
	"phinbridge/internal/metrics"
	"phinbridge/internal/mqtt"
	"phinbridge/internal/storage"
)

// ParamsSetTopic receives JSON objects merged into the custom parameters.
const ParamsSetTopic = "params/set"

const (
	defaultHistoryLimit = 500
	defaultEventBuffer  = 500
)

// Snapshot is the custom parameter state at a config sequence number.
type Snapshot struct {
	Seq    uint64
	Params map[string]string
}

// Options configures a Host.
type Options struct {
	Storage      storage.Storage
	Events       *events.Store
	Publisher    *mqtt.Publisher        // optional
	Discovery    *mqtt.DiscoveryManager // optional
	Logger       *zap.Logger
	HistoryLimit int
}

// Host implements the controller's host runtime on storage and MQTT.
type Host struct {
	store     storage.Storage
	events    *events.Store
	publisher *mqtt.Publisher
	discovery *mqtt.DiscoveryManager
	logger    *zap.Logger

	historyLimit int

	// mu orders parameter writes with their sequence numbers
	mu  sync.Mutex
	seq atomic.Uint64

	changed  chan struct{}
	restarts chan string
}

// New creates a Host.
func New(opts Options) (*Host, error) {
	if opts.Storage == nil {
		return nil, errors.New("host: storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	evs := opts.Events
	if evs == nil {
		evs = events.NewStore(defaultEventBuffer)
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	return &Host{
		store:        opts.Storage,
		events:       evs,
		publisher:    opts.Publisher,
		discovery:    opts.Discovery,
		logger:       logger.Named("host"),
		historyLimit: limit,
		changed:      make(chan struct{}, 1),
		restarts:     make(chan string, 1),
	}, nil
}

// Changed is signalled after every custom parameter write. Signals coalesce;
// readers take the latest Snapshot.
func (h *Host) Changed() <-chan struct{} {
	return h.changed
}

// Restarts delivers pending restart requests.
func (h *Host) Restarts() <-chan string {
	return h.restarts
}

// Snapshot returns the current custom parameters with their sequence number.
func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{Seq: h.seq.Load(), Params: h.CustomParams()}
}

// Events returns the event store fed by the host.
func (h *Host) Events() *events.Store {
	return h.events
}

// CustomParams returns the persisted custom parameters.
func (h *Host) CustomParams() map[string]string {
	return h.listStrings(storage.NamespaceParams)
}

// AddCustomParams merges values into the custom parameters in one
// transaction.
func (h *Host) AddCustomParams(_ context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string][]byte, len(values))
	for k, v := range values {
		if k == "" {
			return fmt.Errorf("host: empty parameter name")
		}
		set[k] = []byte(v)
	}
	return h.writeParams(set, nil)
}

// RemoveCustomParam deletes a custom parameter.
func (h *Host) RemoveCustomParam(_ context.Context, name string) error {
	return h.writeParams(nil, []string{name})
}

func (h *Host) writeParams(set map[string][]byte, remove []string) error {
	h.mu.Lock()
	if err := h.store.Update(storage.NamespaceParams, set, remove); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to write custom params: %w", err)
	}
	seq := h.seq.Add(1)
	h.mu.Unlock()

	h.logger.Debug("custom params written",
		zap.Uint64("seq", seq),
		zap.Int("set", len(set)),
		zap.Strings("removed", remove),
	)

	select {
	case h.changed <- struct{}{}:
	default:
	}
	return nil
}

// ConfigSeq returns the sequence number of the latest parameter write.
func (h *Host) ConfigSeq() uint64 {
	return h.seq.Load()
}

// Notices returns the active notices by key.
func (h *Host) Notices() map[string]string {
	return h.listStrings(storage.NamespaceNotices)
}

// AddNotice shows a notice, replacing any notice with the same key.
func (h *Host) AddNotice(_ context.Context, key, message string) error {
	if err := h.store.SetString(storage.NamespaceNotices, key, message); err != nil {
		return fmt.Errorf("failed to store notice: %w", err)
	}
	h.events.Add(events.EventNotice, events.SourceHost, true, key+": "+message)
	if h.publisher != nil {
		if err := h.publisher.PublishNotice(key, message); err != nil {
			h.logger.Warn("failed to publish notice", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// RemoveNotice removes one notice.
func (h *Host) RemoveNotice(_ context.Context, key string) error {
	if err := h.store.Delete(storage.NamespaceNotices, key); err != nil {
		return fmt.Errorf("failed to remove notice: %w", err)
	}
	h.clearNotice(key)
	return nil
}

// RemoveNoticesAll removes every notice.
func (h *Host) RemoveNoticesAll(_ context.Context) error {
	keys := h.Notices()
	if err := h.store.DeleteAll(storage.NamespaceNotices); err != nil {
		return fmt.Errorf("failed to remove notices: %w", err)
	}
	for key := range keys {
		h.clearNotice(key)
	}
	return nil
}

func (h *Host) clearNotice(key string) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.ClearNotice(key); err != nil {
		h.logger.Warn("failed to clear notice", zap.String("key", key), zap.Error(err))
	}
}

// Drivers returns the last value of every driver.
func (h *Host) Drivers() map[string]float64 {
	raw, err := h.store.List(storage.NamespaceDrivers)
	if err != nil {
		h.logger.Error("failed to list drivers", zap.Error(err))
		return map[string]float64{}
	}
	out := make(map[string]float64, len(raw))
	for key, b := range raw {
		var v float64
		if err := json.Unmarshal(b, &v); err != nil {
			h.logger.Warn("invalid stored driver value", zap.String("driver", key), zap.Error(err))
			continue
		}
		out[key] = v
	}
	return out
}

// SetDriver records and publishes a driver value. Without force an
// unchanged value is not republished.
func (h *Host) SetDriver(_ context.Context, key string, value float64, force bool) error {
	if !force {
		var prev float64
		if err := h.store.GetJSON(storage.NamespaceDrivers, key, &prev); err == nil && prev == value {
			return nil
		}
	}
	if err := h.store.SetJSON(storage.NamespaceDrivers, key, value); err != nil {
		return fmt.Errorf("failed to store driver %s: %w", key, err)
	}
	metrics.SetDriver(key, value)

	if h.publisher != nil {
		if err := h.publisher.PublishDriver(key, value); err != nil {
			h.logger.Warn("driver stored but not published", zap.String("driver", key), zap.Error(err))
		}
	}
	return nil
}

// ReportDrivers republishes every stored driver value.
func (h *Host) ReportDrivers(_ context.Context) error {
	drivers := h.Drivers()
	for key, value := range drivers {
		metrics.SetDriver(key, value)
	}
	if h.publisher == nil {
		return nil
	}
	return h.publisher.PublishDrivers(drivers)
}

// UpdateProfile republishes the Home Assistant discovery configs.
func (h *Host) UpdateProfile(_ context.Context) error {
	if h.discovery == nil {
		return nil
	}
	configs := sensorConfigs()
	if !h.discovery.ShouldRepublishDiscovery(len(configs)) {
		// Already published, regenerate
		h.discovery.Invalidate()
	}
	return h.discovery.PublishMultipleDiscoveryConfigs(configs)
}

// Restart requests a controller restart. Requests made while one is
// pending coalesce.
func (h *Host) Restart(reason string) {
	h.logger.Info("restart requested", zap.String("reason", reason))
	metrics.ObserveRestart(reason)
	h.events.Add(events.EventRestart, events.SourceHost, true, reason)

	select {
	case h.restarts <- reason:
	default:
	}
}

// Record adds a controller event to the event stream and the persisted
// history.
func (h *Host) Record(t events.EventType, success bool, details string) {
	h.events.Add(t, events.SourceController, success, details)

	kind := string(t)
	if !success {
		kind += "_failed"
	}
	if err := h.store.AppendHistory(storage.HistoryEntry{Kind: kind, Message: details}); err != nil {
		h.logger.Warn("failed to append history", zap.Error(err))
		return
	}
	if err := h.store.TrimHistory(h.historyLimit); err != nil {
		h.logger.Warn("failed to trim history", zap.Error(err))
	}
}

// History returns up to limit persisted entries, oldest first.
func (h *Host) History(limit int) ([]storage.HistoryEntry, error) {
	return h.store.History(limit)
}

// Subscriber is the subscription side of the MQTT client.
type Subscriber interface {
	Subscribe(topic string, handler mqtt.MessageHandler) error
}

// SubscribeParams merges JSON objects received on ParamsSetTopic into the
// custom parameters.
func (h *Host) SubscribeParams(sub Subscriber) error {
	return sub.Subscribe(ParamsSetTopic, h.handleParamsSet)
}

func (h *Host) handleParamsSet(topic string, payload []byte) {
	var values map[string]string
	if err := json.Unmarshal(payload, &values); err != nil {
		h.logger.Warn("invalid params payload", zap.String("topic", topic), zap.Error(err))
		h.events.Add(events.EventConfigChange, events.SourceMQTT, false, err.Error())
		return
	}
	if err := h.AddCustomParams(context.Background(), values); err != nil {
		h.logger.Error("failed to apply params from mqtt", zap.Error(err))
		h.events.Add(events.EventConfigChange, events.SourceMQTT, false, err.Error())
		return
	}
	h.events.Add(events.EventConfigChange, events.SourceMQTT, true, fmt.Sprintf("%d parameters", len(values)))
}

func (h *Host) listStrings(namespace string) map[string]string {
	raw, err := h.store.List(namespace)
	if err != nil {
		h.logger.Error("failed to list", zap.String("namespace", namespace), zap.Error(err))
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = string(v)
	}
	return out
}
