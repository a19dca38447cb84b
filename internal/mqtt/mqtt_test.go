package mqtt

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phinbridge/internal/storage"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  any
}

// fakeTransport records everything published through it.
type fakeTransport struct {
	mu       sync.Mutex
	prefix   string
	messages []published
	subs     map[string]MessageHandler
	fail     error
}

func newFakeTransport(prefix string) *fakeTransport {
	return &fakeTransport{prefix: prefix, subs: map[string]MessageHandler{}}
}

func (f *fakeTransport) PublishWithQoS(topic string, qos byte, retained bool, payload any) error {
	return f.record(joinTopic(f.prefix, topic), qos, retained, payload)
}

func (f *fakeTransport) PublishRaw(topic string, payload any, retained bool) error {
	return f.record(topic, 1, retained, payload)
}

func (f *fakeTransport) record(topic string, qos byte, retained bool, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, published{topic, qos, retained, payload})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler MessageHandler) error {
	f.subs[joinTopic(f.prefix, topic)] = handler
	return nil
}

func (f *fakeTransport) GetConfig() Config {
	return Config{Prefix: f.prefix}
}

func (f *fakeTransport) byTopic(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return published{}, false
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	assert.Error(t, err)

	c, err := New(Config{Broker: "tcp://localhost:1883", Prefix: "pool"}, nil)
	require.NoError(t, err)
	assert.Contains(t, c.GetConfig().ClientID, "phinbridge-")
	assert.Equal(t, "pool/driver/gv1/state", c.buildTopic(DriverStateTopic("GV1")))
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.PublishWithQoS("x", 0, false, "y"), ErrNotConnected)
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		input, expected string
	}{
		{"GV10", "gv10"},
		{"WATERT", "watert"},
		{"pool status", "pool_status"},
		{"a/b.c", "a_b_c"},
		{"wild+#", "wild__"},
		{"st", "st"},
	}
	for _, tt := range tests {
		if got := sanitizeID(tt.input); got != tt.expected {
			t.Errorf("sanitizeID(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestPublisherDrivers(t *testing.T) {
	transport := newFakeTransport("phinbridge")
	p := NewPublisher(transport, zap.NewNop())

	require.NoError(t, p.PublishDriver("GV1", 7.2))
	msg, ok := transport.byTopic("phinbridge/driver/gv1/state")
	require.True(t, ok)
	assert.Equal(t, "7.2", msg.payload)
	assert.True(t, msg.retained)
	assert.Equal(t, byte(1), msg.qos)

	require.NoError(t, p.PublishDrivers(map[string]float64{"GV9": 75, "GV10": -92}))
	msg, _ = transport.byTopic("phinbridge/driver/gv9/state")
	assert.Equal(t, "75", msg.payload)
	msg, _ = transport.byTopic("phinbridge/driver/gv10/state")
	assert.Equal(t, "-92", msg.payload)

	transport.fail = errors.New("broker gone")
	assert.Error(t, p.PublishDrivers(map[string]float64{"ST": 1}))
}

func TestPublisherNotices(t *testing.T) {
	transport := newFakeTransport("phinbridge")
	p := NewPublisher(transport, zap.NewNop())

	require.NoError(t, p.PublishNotice("email", "Enter the email you used to register with pHin"))
	msg, ok := transport.byTopic("phinbridge/notice/email")
	require.True(t, ok)
	assert.Equal(t, "Enter the email you used to register with pHin", msg.payload)
	assert.True(t, msg.retained)

	require.NoError(t, p.ClearNotice("email"))
	msg, _ = transport.byTopic("phinbridge/notice/email")
	assert.Equal(t, "", msg.payload)
}

func newDiscoveryStore(t *testing.T) *storage.BoltStorage {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDiscoveryConfig(t *testing.T) {
	transport := newFakeTransport("phinbridge")
	d := NewDiscoveryManager(transport, zap.NewNop(), newDiscoveryStore(t))

	err := d.PublishDiscoveryConfig(&SensorConfig{
		SensorID:    "WATERT",
		Name:        "Water Temperature",
		Unit:        "°F",
		DeviceClass: "temperature",
		StateClass:  "measurement",
		DeviceInfo: &DeviceInfo{
			Identifiers:  []string{"phin_0f8fad5b"},
			Name:         "pHin Smart Water Monitor",
			Manufacturer: "pHin",
		},
	})
	require.NoError(t, err)

	msg, ok := transport.byTopic("homeassistant/sensor/phinbridge/watert/config")
	require.True(t, ok)
	assert.True(t, msg.retained)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &cfg))
	assert.Equal(t, "phinbridge_watert", cfg["unique_id"])
	assert.Equal(t, "phinbridge/driver/watert/state", cfg["state_topic"])
	assert.Equal(t, "phinbridge/availability", cfg["availability_topic"])
	assert.Equal(t, "°F", cfg["unit_of_measurement"])
	assert.Equal(t, "temperature", cfg["device_class"])
	assert.NotContains(t, cfg, "icon")

	device := cfg["device"].(map[string]any)
	assert.Equal(t, "pHin Smart Water Monitor", device["name"])
}

func TestDiscoveryRepublishing(t *testing.T) {
	transport := newFakeTransport("phinbridge")
	d := NewDiscoveryManager(transport, zap.NewNop(), newDiscoveryStore(t))

	configs := []*SensorConfig{
		{SensorID: "GV1", Name: "pH"},
		{SensorID: "GV7", Name: "ORP", Unit: "mV"},
	}

	assert.True(t, d.ShouldRepublishDiscovery(2), "never published")
	require.NoError(t, d.PublishMultipleDiscoveryConfigs(configs))
	assert.False(t, d.ShouldRepublishDiscovery(2), "already published")
	assert.True(t, d.ShouldRepublishDiscovery(3), "sensor count changed")
	assert.False(t, d.ShouldRepublishDiscovery(3))

	d.Invalidate()
	assert.True(t, d.ShouldRepublishDiscovery(3), "invalidated")

	transport.fail = errors.New("broker gone")
	assert.Error(t, d.PublishMultipleDiscoveryConfigs(configs))
	assert.True(t, d.ShouldRepublishDiscovery(3), "failed publish keeps the flag cleared")
}
