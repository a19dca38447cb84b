package node

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phinbridge/internal/controller"
	"phinbridge/internal/events"
	"phinbridge/internal/host"
	"phinbridge/internal/phin"
	"phinbridge/internal/storage"
)

const (
	testUUID      = "0f8fad5b-d9cb-469f-a165-70867728950e"
	testVerifyURL = "/users/1234/verify/abcdef"
	testToken     = "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjM0In0.abc"
	testVesselURL = "/users/1234/locations/1234/vessels"
)

type service struct {
	mu        sync.Mutex
	codes     []string
	fetches   int
	rejectAll bool
}

func (s *service) Register(context.Context, string, string) (string, error) {
	return testVerifyURL, nil
}

func (s *service) Verify(_ context.Context, _, _, _, code string) (phin.Auth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	if code != "12345" {
		return phin.Auth{}, &phin.RemoteError{Kind: phin.KindInvalidActivationCode, Op: "verify", Status: 400}
	}
	return phin.Auth{AuthToken: testToken, VesselURL: testVesselURL}, nil
}

func (s *service) FetchReadings(context.Context, string, string, string) (*phin.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.rejectAll {
		return nil, &phin.RemoteError{Kind: phin.KindUnauthorized, Op: "vessels", Status: 401}
	}
	temp := 82.0
	return &phin.Reading{Temperature: &temp}, nil
}

func (s *service) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type fixture struct {
	host    *host.Host
	service *service
	runner  *Runner
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

func startRunner(t *testing.T, shortPoll string) *fixture {
	t.Helper()

	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h, err := host.New(host.Options{Storage: store, Events: events.NewStore(100)})
	require.NoError(t, err)

	svc := &service{}
	r, err := New(Options{
		Host: h,
		NewController: func() *controller.Controller {
			return controller.New(controller.Options{
				Host:     h,
				Service:  svc,
				Recorder: h,
				NewUUID:  func() string { return testUUID },
			})
		},
		ShortPoll: shortPoll,
		LongPoll:  "@every 1h",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{host: h, service: svc, runner: r, cancel: cancel, done: make(chan error, 1)}
	go func() { f.done <- r.Run(ctx) }()
	t.Cleanup(f.stop)

	require.Eventually(t, r.running.Load, time.Second, 5*time.Millisecond)
	return f
}

func (f *fixture) stop() {
	f.once.Do(func() {
		f.cancel()
		<-f.done
	})
}

func (f *fixture) param(name string) string {
	return f.host.CustomParams()[name]
}

func TestNewValidatesSchedules(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer store.Close()
	h, err := host.New(host.Options{Storage: store})
	require.NoError(t, err)

	_, err = New(Options{
		Host:          h,
		NewController: func() *controller.Controller { return nil },
		ShortPoll:     "every minute",
		LongPoll:      "@every 10m",
	})
	assert.Error(t, err)
}

func TestActivationFlow(t *testing.T) {
	f := startRunner(t, "@every 1h")
	ctx := context.Background()

	// First start asks for the email
	require.Eventually(t, func() bool {
		return f.param(controller.ParamEmail) == controller.EmailPlaceholder
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.host.AddCustomParams(ctx, map[string]string{controller.ParamEmail: "pool@example.com"}))

	// uuid, then registration on the following pass
	require.Eventually(t, func() bool {
		return f.param(controller.ParamVerifyURL) == testVerifyURL
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testUUID, f.param(controller.ParamUUID))
	assert.Equal(t, controller.NoticeActivationCode, f.host.Notices()[controller.ParamActivationCode])

	require.NoError(t, f.host.AddCustomParams(ctx, map[string]string{controller.ParamActivationCode: "12345"}))

	require.Eventually(t, func() bool {
		return f.param(controller.ParamAuthToken) == testToken
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.host.Drivers()[controller.DriverTemperature] == 82
	}, 2*time.Second, 10*time.Millisecond)

	st, ok := f.runner.Status()
	require.True(t, ok)
	assert.Equal(t, controller.Authorized, st.State)
	assert.Empty(t, f.host.Notices())
}

func TestInvalidCodeRestartsController(t *testing.T) {
	f := startRunner(t, "@every 1h")
	ctx := context.Background()

	require.NoError(t, f.host.AddCustomParams(ctx, map[string]string{
		controller.ParamEmail:     "pool@example.com",
		controller.ParamUUID:      testUUID,
		controller.ParamVerifyURL: testVerifyURL,
	}))
	require.NoError(t, f.host.AddCustomParams(ctx, map[string]string{controller.ParamActivationCode: "99999"}))

	require.Eventually(t, func() bool { return f.runner.Restarts() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, controller.ActivationCodePlaceholder, f.param(controller.ParamActivationCode))
	assert.Empty(t, f.param(controller.ParamAuthToken))
}

func TestShortPollTicks(t *testing.T) {
	f := startRunner(t, "@every 1s")
	ctx := context.Background()

	require.NoError(t, f.host.AddCustomParams(ctx, map[string]string{
		controller.ParamEmail:          "pool@example.com",
		controller.ParamUUID:           testUUID,
		controller.ParamVerifyURL:      testVerifyURL,
		controller.ParamActivationCode: "12345",
		controller.ParamAuthToken:      testToken,
		controller.ParamVesselURL:      testVesselURL,
	}))

	require.Eventually(t, func() bool { return f.service.fetchCount() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestUnauthorizedPollResets(t *testing.T) {
	f := startRunner(t, "@every 1s")
	f.service.mu.Lock()
	f.service.rejectAll = true
	f.service.mu.Unlock()

	require.NoError(t, f.host.AddCustomParams(context.Background(), map[string]string{
		controller.ParamEmail:     "pool@example.com",
		controller.ParamUUID:      testUUID,
		controller.ParamVerifyURL: testVerifyURL,
		controller.ParamAuthToken: testToken,
		controller.ParamVesselURL: testVesselURL,
	}))

	require.Eventually(t, func() bool { return f.runner.Restarts() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, f.param(controller.ParamAuthToken))
	assert.Equal(t, "pool@example.com", f.param(controller.ParamEmail))
}

func TestCommands(t *testing.T) {
	f := startRunner(t, "@every 1h")
	ctx := context.Background()

	require.NoError(t, f.runner.Command(ctx, "query", nil))
	assert.ErrorIs(t, f.runner.Command(ctx, "nope", nil), controller.ErrUnknownCommand)

	require.NoError(t, f.runner.Command(ctx, "restart", nil))
	require.Eventually(t, func() bool { return f.runner.Restarts() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.stop()
	assert.ErrorIs(t, f.runner.Command(ctx, "query", nil), ErrNotRunning)
}
