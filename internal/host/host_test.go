package host

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phinbridge/internal/controller"
	"phinbridge/internal/events"
	"phinbridge/internal/mqtt"
	"phinbridge/internal/storage"
)

// Host must satisfy the controller's runtime interface.
var _ controller.Host = (*Host)(nil)
var _ controller.Recorder = (*Host)(nil)

type transport struct {
	mu       sync.Mutex
	messages map[string]string
	subs     map[string]mqtt.MessageHandler
}

func newTransport() *transport {
	return &transport{messages: map[string]string{}, subs: map[string]mqtt.MessageHandler{}}
}

func (t *transport) PublishWithQoS(topic string, _ byte, _ bool, payload any) error {
	return t.PublishRaw("phinbridge/"+topic, payload, true)
}

func (t *transport) PublishRaw(topic string, payload any, _ bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch p := payload.(type) {
	case string:
		t.messages[topic] = p
	case []byte:
		t.messages[topic] = string(p)
	}
	return nil
}

func (t *transport) Subscribe(topic string, handler mqtt.MessageHandler) error {
	t.subs[topic] = handler
	return nil
}

func (t *transport) GetConfig() mqtt.Config {
	return mqtt.Config{Prefix: "phinbridge"}
}

func (t *transport) message(topic string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[topic]
	return m, ok
}

func newHost(t *testing.T, tr *transport) *Host {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts := Options{Storage: store, Events: events.NewStore(50), HistoryLimit: 3}
	if tr != nil {
		opts.Publisher = mqtt.NewPublisher(tr, nil)
		opts.Discovery = mqtt.NewDiscoveryManager(tr, nil, store)
	}
	h, err := New(opts)
	require.NoError(t, err)
	return h
}

func TestNewRequiresStorage(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestDefaultEventBuffer(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	defer store.Close()

	h, err := New(Options{Storage: store})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.Record(events.EventPoll, true, fmt.Sprintf("poll %d", i))
	}
	assert.Equal(t, 10, h.Events().Count())
}

func TestCustomParamsSequence(t *testing.T) {
	h := newHost(t, nil)
	ctx := context.Background()

	require.NoError(t, h.AddCustomParams(ctx, map[string]string{"email": "a@b.co", "uuid": "x"}))
	assert.Equal(t, uint64(1), h.ConfigSeq())

	select {
	case <-h.Changed():
	default:
		t.Fatal("change not signalled")
	}

	require.NoError(t, h.RemoveCustomParam(ctx, "uuid"))
	require.NoError(t, h.AddCustomParams(ctx, map[string]string{"uuid": "y"}))

	snap := h.Snapshot()
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, map[string]string{"email": "a@b.co", "uuid": "y"}, snap.Params)

	// Signals coalesce
	<-h.Changed()
	select {
	case <-h.Changed():
		t.Fatal("expected a single pending signal")
	default:
	}

	assert.Error(t, h.AddCustomParams(ctx, map[string]string{"": "v"}))
	assert.NoError(t, h.AddCustomParams(ctx, nil))
	assert.Equal(t, uint64(3), h.ConfigSeq())
}

func TestNoticesArePublished(t *testing.T) {
	tr := newTransport()
	h := newHost(t, tr)
	ctx := context.Background()

	require.NoError(t, h.AddNotice(ctx, "email", "Enter email"))
	require.NoError(t, h.AddNotice(ctx, "error", "failed"))
	assert.Equal(t, map[string]string{"email": "Enter email", "error": "failed"}, h.Notices())

	msg, ok := tr.message("phinbridge/notice/email")
	require.True(t, ok)
	assert.Equal(t, "Enter email", msg)

	require.NoError(t, h.RemoveNotice(ctx, "email"))
	msg, _ = tr.message("phinbridge/notice/email")
	assert.Empty(t, msg)

	require.NoError(t, h.RemoveNoticesAll(ctx))
	assert.Empty(t, h.Notices())
	msg, _ = tr.message("phinbridge/notice/error")
	assert.Empty(t, msg)
}

func TestDrivers(t *testing.T) {
	tr := newTransport()
	h := newHost(t, tr)
	ctx := context.Background()

	require.NoError(t, h.SetDriver(ctx, "GV1", 7.2, true))
	require.NoError(t, h.SetDriver(ctx, "WATERT", 81, true))
	assert.Equal(t, map[string]float64{"GV1": 7.2, "WATERT": 81}, h.Drivers())

	msg, ok := tr.message("phinbridge/driver/gv1/state")
	require.True(t, ok)
	assert.Equal(t, "7.2", msg)

	// Unchanged values are skipped without force
	tr.messages = map[string]string{}
	require.NoError(t, h.SetDriver(ctx, "GV1", 7.2, false))
	_, ok = tr.message("phinbridge/driver/gv1/state")
	assert.False(t, ok)

	require.NoError(t, h.ReportDrivers(ctx))
	msg, ok = tr.message("phinbridge/driver/watert/state")
	require.True(t, ok)
	assert.Equal(t, "81", msg)
}

func TestDriversWithoutMQTT(t *testing.T) {
	h := newHost(t, nil)
	ctx := context.Background()

	require.NoError(t, h.SetDriver(ctx, "ST", 1, true))
	require.NoError(t, h.ReportDrivers(ctx))
	require.NoError(t, h.UpdateProfile(ctx))
	assert.Equal(t, map[string]float64{"ST": 1}, h.Drivers())
}

func TestUpdateProfilePublishesDiscovery(t *testing.T) {
	tr := newTransport()
	h := newHost(t, tr)

	require.NoError(t, h.UpdateProfile(context.Background()))

	raw, ok := tr.message(mqtt.DiscoveryTopic(controller.DriverBattery))
	require.True(t, ok)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, "Battery", cfg["name"])
	assert.Equal(t, "battery", cfg["device_class"])
	assert.Equal(t, "phinbridge/driver/gv9/state", cfg["state_topic"])

	// A second call republishes
	tr.messages = map[string]string{}
	require.NoError(t, h.UpdateProfile(context.Background()))
	_, ok = tr.message(mqtt.DiscoveryTopic(controller.DriverPH))
	assert.True(t, ok)
}

func TestRestartCoalesces(t *testing.T) {
	h := newHost(t, nil)

	h.Restart("unauthorized")
	h.Restart("command")

	assert.Equal(t, "unauthorized", <-h.Restarts())
	select {
	case r := <-h.Restarts():
		t.Fatalf("unexpected restart %q", r)
	default:
	}

	last := h.Events().GetLast(1)
	require.Len(t, last, 1)
	assert.Equal(t, events.EventRestart, last[0].Type)
}

func TestRecordKeepsHistory(t *testing.T) {
	h := newHost(t, nil)

	h.Record(events.EventRegister, true, "one")
	h.Record(events.EventVerify, false, "two")
	h.Record(events.EventPoll, true, "three")
	h.Record(events.EventPoll, true, "four")

	history, err := h.History(0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "verify_failed", history[0].Kind)
	assert.Equal(t, "four", history[2].Message)
	assert.Equal(t, 4, h.Events().Count())
}

func TestParamsFromMQTT(t *testing.T) {
	tr := newTransport()
	h := newHost(t, tr)
	require.NoError(t, h.SubscribeParams(tr))

	handler, ok := tr.subs[ParamsSetTopic]
	require.True(t, ok)

	handler("phinbridge/params/set", []byte(`{"activationcode":"12345"}`))
	assert.Equal(t, "12345", h.CustomParams()["activationcode"])
	assert.Equal(t, uint64(1), h.ConfigSeq())

	handler("phinbridge/params/set", []byte(`not json`))
	assert.Equal(t, uint64(1), h.ConfigSeq())
	last := h.Events().GetLast(1)
	require.Len(t, last, 1)
	assert.False(t, last[0].Success)
	assert.Equal(t, events.SourceMQTT, last[0].Source)
}
