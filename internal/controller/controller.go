// Package controller drives the pHin account activation and polls readings
// once the device session is authorized.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phinbridge/internal/events"
	"phinbridge/internal/metrics"
	"phinbridge/internal/params"
	"phinbridge/internal/phin"
)

// Custom parameter names.
const (
	ParamEmail          = "email"
	ParamUUID           = "uuid"
	ParamVerifyURL      = "verifyurl"
	ParamActivationCode = "activationcode"
	ParamAuthToken      = "authtoken"
	ParamVesselURL      = "vesselurl"
)

// Placeholders and notices shown while the user has to act.
const (
	EmailPlaceholder          = "Enter your email"
	ActivationCodePlaceholder = "<Enter activation code>"

	NoticeEmail          = "Enter the email you used to register with pHin"
	NoticeActivationCode = "Please check your email and enter the 5-digit activation code"

	// NoticeError is the notice key for failed remote calls.
	NoticeError = "error"
)

// Declarations lists the custom parameters known to the controller.
var Declarations = []params.Declaration{
	{Name: ParamEmail, Default: EmailPlaceholder, Required: true, Notice: NoticeEmail},
	{Name: ParamUUID, Required: true},
	{Name: ParamVerifyURL},
	{Name: ParamActivationCode, Default: ActivationCodePlaceholder, Required: true, Notice: NoticeActivationCode},
	{Name: ParamAuthToken, Required: true},
	{Name: ParamVesselURL, Required: true},
}

// ErrUnknownCommand is returned by Command for unsupported names.
var ErrUnknownCommand = errors.New("unknown command")

// Host is the automation platform runtime the controller works against.
// Config events caused by these calls must be delivered asynchronously.
type Host interface {
	CustomParams() map[string]string
	AddCustomParams(ctx context.Context, values map[string]string) error
	RemoveCustomParam(ctx context.Context, name string) error
	AddNotice(ctx context.Context, key, message string) error
	RemoveNotice(ctx context.Context, key string) error
	RemoveNoticesAll(ctx context.Context) error
	SetDriver(ctx context.Context, key string, value float64, force bool) error
	ReportDrivers(ctx context.Context) error
	UpdateProfile(ctx context.Context) error
	ConfigSeq() uint64
	Restart(reason string)
}

// Service is the remote pHin API.
type Service interface {
	Register(ctx context.Context, contact, deviceUUID string) (string, error)
	Verify(ctx context.Context, contact, deviceUUID, verifyURL, code string) (phin.Auth, error)
	FetchReadings(ctx context.Context, authToken, deviceUUID, vesselURL string) (*phin.Reading, error)
}

// Recorder receives activation and polling events.
type Recorder interface {
	Record(eventType events.EventType, success bool, details string)
}

// LevelControl changes the process log level.
type LevelControl interface {
	SetLevel(level string) error
	LevelNumber() int
}

// ConfigEvent is a custom parameter snapshot delivered by the host.
// Seq is the host's config sequence at the time of the snapshot; 0 means
// unsequenced.
type ConfigEvent struct {
	Seq          uint64
	CustomParams map[string]string
}

// Options configures a Controller.
type Options struct {
	Host     Host
	Service  Service
	Recorder Recorder     // optional
	Level    LevelControl // optional
	Logger   *zap.Logger
	NewUUID  func() string // defaults to a random UUIDv4
}

// Controller is the activation state machine and polling driver.
type Controller struct {
	host     Host
	service  Service
	recorder Recorder
	level    LevelControl
	logger   *zap.Logger
	newUUID  func() string

	params *params.Store

	// mu serializes passes; configuring is readable without it so events
	// arriving during a reset return immediately.
	mu            sync.Mutex
	configuring   atomic.Bool
	flags         flags
	ignoreThrough uint64 // config events up to this seq were caused by a reset
}

// New creates a Controller.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newUUID := opts.NewUUID
	if newUUID == nil {
		newUUID = uuid.NewString
	}
	return &Controller{
		host:     opts.Host,
		service:  opts.Service,
		recorder: opts.Recorder,
		level:    opts.Level,
		logger:   logger.Named("controller"),
		newUUID:  newUUID,
		params:   params.New(Declarations...),
	}
}

// State returns the current activation state.
func (c *Controller) State() State {
	return deriveState(newView(c.params.Lookup))
}

// MissingParam is a required parameter that is still unset.
type MissingParam struct {
	Name   string `json:"name"`
	Notice string `json:"notice,omitempty"`
}

// Status is a point-in-time summary of the controller.
type Status struct {
	State       State              `json:"state"`
	Valid       bool               `json:"valid"`
	Configuring bool               `json:"configuring"`
	Registering bool               `json:"registering"`
	Activating  bool               `json:"activating"`
	Missing     []MissingParam     `json:"missing"`
	Parameters  []params.Parameter `json:"parameters"`
}

// Status returns the activation state, flags and parameters. The auth
// token value is masked.
func (c *Controller) Status() Status {
	c.mu.Lock()
	f := c.flags
	c.mu.Unlock()

	st := Status{
		State:       c.State(),
		Valid:       c.params.Valid(),
		Configuring: c.configuring.Load(),
		Registering: f.registering,
		Activating:  f.activating,
		Missing:     []MissingParam{},
		Parameters:  c.params.Parameters(),
	}
	for notice, name := range c.params.MissingRequiredNotices() {
		st.Missing = append(st.Missing, MissingParam{Name: name, Notice: notice})
	}
	for i, p := range st.Parameters {
		if p.Name == ParamAuthToken && p.IsSet {
			st.Parameters[i].Value = "********"
		}
	}
	return st
}

// ProcessConfig runs one configuration pass for ev. Events that arrive
// while a reset is in progress, events caused by a reset, and events
// superseded by a newer host snapshot are ignored.
func (c *Controller) ProcessConfig(ctx context.Context, ev ConfigEvent) {
	if c.configuring.Load() {
		c.logger.Debug("config event ignored, configuring", zap.Uint64("seq", ev.Seq))
		return
	}

	if c.processConfig(ctx, ev) {
		// Credentials were just issued
		if err := c.QueryPoolData(ctx); err != nil {
			c.logger.Warn("initial reading fetch failed", zap.Error(err))
		}
	}
}

func (c *Controller) processConfig(ctx context.Context, ev ConfigEvent) (pollAfter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Seq != 0 {
		if ev.Seq <= c.ignoreThrough {
			c.logger.Debug("config event ignored, caused by reset", zap.Uint64("seq", ev.Seq))
			return false
		}
		if latest := c.host.ConfigSeq(); ev.Seq < latest {
			c.logger.Debug("config event superseded", zap.Uint64("seq", ev.Seq), zap.Uint64("latest", latest))
			return false
		}
	}

	valid, changed := c.sync(ev.CustomParams)
	if changed {
		c.record(events.EventConfigChange, true, "custom parameters changed")
	}

	v := newView(c.params.Lookup)
	act := nextAction(v, c.flags)
	c.logger.Debug("processing config",
		zap.Uint64("seq", ev.Seq),
		zap.Bool("valid", valid),
		zap.Bool("changed", changed),
		zap.Stringer("state", deriveState(v)),
		zap.Stringer("action", act),
		zap.Bool("registering", c.flags.registering),
		zap.Bool("activating", c.flags.activating),
	)

	switch act {
	case actPromptEmail:
		c.promptEmail(ctx, ev.CustomParams)
	case actCreateUUID:
		c.createUUID(ctx, v)
	case actRegister:
		c.register(ctx, v)
	case actVerify:
		pollAfter = c.verify(ctx, v)
	}

	metrics.SetActivationState(int(c.State()))
	return pollAfter
}

// sync folds a host snapshot into the parameter store. Parameters the host
// no longer carries are reset first.
func (c *Controller) sync(snapshot map[string]string) (valid, changed bool) {
	var absent []string
	for _, d := range Declarations {
		if _, ok := snapshot[d.Name]; !ok {
			absent = append(absent, d.Name)
		}
	}
	if len(absent) > 0 {
		c.params.Reset(absent...)
	}
	return c.params.Reconcile(snapshot)
}

func (c *Controller) promptEmail(ctx context.Context, snapshot map[string]string) {
	c.logger.Debug("requesting email")

	if _, ok := snapshot[ParamEmail]; !ok {
		if err := c.host.AddCustomParams(ctx, map[string]string{ParamEmail: EmailPlaceholder}); err != nil {
			c.logger.Error("failed to add email parameter", zap.Error(err))
		}
	}
	c.replaceNotices(ctx, ParamEmail, NoticeEmail)
}

// createUUID persists a new device identity. Registration waits for the
// config event of the persisted value.
func (c *Controller) createUUID(ctx context.Context, v view) {
	id := c.newUUID()
	c.logger.Debug("adding uuid", zap.String("email", v.email), zap.String("uuid", id))

	if err := c.host.AddCustomParams(ctx, map[string]string{ParamUUID: id}); err != nil {
		c.logger.Error("failed to persist uuid", zap.Error(err))
		c.record(events.EventUUIDCreated, false, err.Error())
		return
	}
	c.record(events.EventUUIDCreated, true, id)
}

func (c *Controller) register(ctx context.Context, v view) {
	c.flags.registering = true
	defer func() { c.flags.registering = false }()

	c.logger.Info("registering device", zap.String("email", v.email), zap.String("uuid", v.uuid))

	verifyURL, err := c.service.Register(ctx, v.email, v.uuid)
	observeRemote("register", err)
	if err != nil {
		c.logger.Error("registration failed", zap.Error(err))
		c.record(events.EventRegister, false, err.Error())
		c.surfaceError(ctx, "Registration with pHin failed", err)
		return
	}

	err = c.host.AddCustomParams(ctx, map[string]string{
		ParamVerifyURL:      verifyURL,
		ParamActivationCode: ActivationCodePlaceholder,
	})
	if err != nil {
		c.logger.Error("failed to persist verify url", zap.Error(err))
		c.record(events.EventRegister, false, err.Error())
		return
	}

	c.replaceNotices(ctx, ParamActivationCode, NoticeActivationCode)
	c.record(events.EventRegister, true, v.email)
}

// verify exchanges the activation code for credentials. It reports whether
// credentials were stored.
func (c *Controller) verify(ctx context.Context, v view) bool {
	c.flags.activating = true
	defer func() { c.flags.activating = false }()

	c.logger.Debug("activating",
		zap.String("email", v.email),
		zap.String("uuid", v.uuid),
		zap.String("verifyurl", v.verifyURL),
		zap.String("activationcode", v.activationCode),
	)

	auth, err := c.service.Verify(ctx, v.email, v.uuid, v.verifyURL, v.activationCode)
	observeRemote("verify", err)
	if err != nil {
		c.logger.Error("activation failed", zap.Error(err))
		c.record(events.EventVerify, false, err.Error())

		if errors.Is(err, phin.ErrInvalidActivationCode) {
			if err := c.host.AddCustomParams(ctx, map[string]string{ParamActivationCode: ActivationCodePlaceholder}); err != nil {
				c.logger.Error("failed to reset activation code", zap.Error(err))
			}
			// Reconcile skips the placeholder; forget the rejected code here
			c.params.Reset(ParamActivationCode)
			c.host.Restart("invalid activation code")
			return false
		}
		c.surfaceError(ctx, "Activation with pHin failed", err)
		return false
	}

	// Token and vessel url are written together or not at all
	err = c.host.AddCustomParams(ctx, map[string]string{
		ParamAuthToken: auth.AuthToken,
		ParamVesselURL: auth.VesselURL,
	})
	if err != nil {
		c.logger.Error("failed to persist credentials", zap.Error(err))
		c.record(events.EventVerify, false, err.Error())
		return false
	}
	c.flags.activated = true

	c.logger.Info("activation completed", zap.String("email", v.email), zap.String("vesselurl", auth.VesselURL))

	if err := c.host.RemoveNoticesAll(ctx); err != nil {
		c.logger.Warn("failed to clear notices", zap.Error(err))
	}
	c.record(events.EventVerify, true, v.email)
	return true
}

// ResetConfig drops the credentials and the activation code so the user has
// to enter a fresh code. Email and uuid survive.
func (c *Controller) ResetConfig(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(ctx)
}

func (c *Controller) resetLocked(ctx context.Context) {
	c.logger.Debug("resetting config")

	c.configuring.Store(true)
	defer c.configuring.Store(false)

	if err := c.host.AddNotice(ctx, ParamActivationCode, NoticeActivationCode); err != nil {
		c.logger.Warn("failed to add notice", zap.Error(err))
	}
	for _, name := range []string{ParamAuthToken, ParamVesselURL, ParamActivationCode} {
		if err := c.host.RemoveCustomParam(ctx, name); err != nil {
			c.logger.Warn("failed to remove parameter", zap.String("name", name), zap.Error(err))
		}
	}
	if err := c.host.AddCustomParams(ctx, map[string]string{ParamActivationCode: ActivationCodePlaceholder}); err != nil {
		c.logger.Warn("failed to add activation code parameter", zap.Error(err))
	}

	c.params.Reset(ParamAuthToken, ParamVesselURL, ParamActivationCode)
	c.flags = flags{}
	c.ignoreThrough = c.host.ConfigSeq()

	c.record(events.EventReset, true, "credentials cleared")
	metrics.SetActivationState(int(c.State()))
}

// Command runs a host command. args may be nil.
func (c *Controller) Command(ctx context.Context, name string, args map[string]string) error {
	c.logger.Info("command", zap.String("name", name))
	c.record(events.EventCommand, true, name)

	switch name {
	case "query":
		return c.host.ReportDrivers(ctx)
	case "remove_notices_all":
		return c.host.RemoveNoticesAll(ctx)
	case "update_profile":
		return c.host.UpdateProfile(ctx)
	case "debug":
		level := args["level"]
		if level == "" {
			level = "debug"
		}
		return c.setLogLevel(ctx, level)
	case "restart":
		c.host.Restart("command")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

func (c *Controller) setLogLevel(ctx context.Context, level string) error {
	if c.level == nil {
		return nil
	}
	if level != "" {
		if err := c.level.SetLevel(level); err != nil {
			return err
		}
	}
	n := c.level.LevelNumber()
	c.logger.Info("log level set", zap.Int("level", n))
	return c.host.SetDriver(ctx, DriverLogLevel, float64(n), true)
}

// replaceNotices clears every notice and shows message under key.
func (c *Controller) replaceNotices(ctx context.Context, key, message string) {
	if err := c.host.RemoveNoticesAll(ctx); err != nil {
		c.logger.Warn("failed to clear notices", zap.Error(err))
	}
	if err := c.host.AddNotice(ctx, key, message); err != nil {
		c.logger.Warn("failed to add notice", zap.String("key", key), zap.Error(err))
	}
}

func (c *Controller) surfaceError(ctx context.Context, prefix string, err error) {
	message := prefix + ": " + errorSummary(err)
	if err := c.host.AddNotice(ctx, NoticeError, message); err != nil {
		c.logger.Warn("failed to add error notice", zap.Error(err))
	}
}

func (c *Controller) record(t events.EventType, success bool, details string) {
	if c.recorder != nil {
		c.recorder.Record(t, success, details)
	}
}

// errorSummary is the user-facing text of a remote failure.
func errorSummary(err error) string {
	switch {
	case errors.Is(err, phin.ErrInvalidInput):
		return err.Error()
	case errors.Is(err, phin.ErrConnection):
		return "service unreachable, retrying later"
	case errors.Is(err, phin.ErrUnauthorized):
		return "not authorized"
	}
	var re *phin.RemoteError
	if errors.As(err, &re) && re.Status != 0 {
		return fmt.Sprintf("service returned status %d", re.Status)
	}
	return "service request failed"
}

func observeRemote(op string, err error) {
	switch kind, ok := phin.KindOf(err); {
	case err == nil:
		metrics.ObserveRemote(op, "ok")
	case ok:
		metrics.ObserveRemote(op, kind.String())
	case errors.Is(err, phin.ErrInvalidInput):
		metrics.ObserveRemote(op, "invalid_input")
	default:
		metrics.ObserveRemote(op, "error")
	}
}
