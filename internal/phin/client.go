// Package phin is a client for the pHin smart water monitor cloud API.
//
// The client is stateless: every call takes the credentials it needs and the
// caller owns the activation session. No call is retried internally.
package phin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.phin.co"

const (
	appID           = "ios-app"
	deviceType      = "python"
	defaultSignin   = "/signincontact"
	locationVersion = "2.0.1"
	vesselVersion   = "2.0.0"
	chartVersion    = "1.0.0"
)

// Window is the number of trailing chart samples averaged per metric.
type Window struct {
	PH      int
	ORP     int
	Battery int
	RSSI    int
}

// DefaultWindow returns the default averaging window.
func DefaultWindow() Window {
	return Window{PH: 5, ORP: 5, Battery: 5, RSSI: 1}
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration // Transport timeout per request
	Window  Window
}

// Auth is the credential pair issued by a successful verification.
type Auth struct {
	AuthToken string `json:"authToken"`
	VesselURL string `json:"vesselUrl"`
}

// Client wraps the pHin REST endpoints.
type Client struct {
	http   *resty.Client
	window Window
	logger *zap.Logger
}

// New creates a new Client.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultWindow()
	if opts.Window.PH <= 0 {
		opts.Window.PH = def.PH
	}
	if opts.Window.ORP <= 0 {
		opts.Window.ORP = def.ORP
	}
	if opts.Window.Battery <= 0 {
		opts.Window.Battery = def.Battery
	}
	if opts.Window.RSSI <= 0 {
		opts.Window.RSSI = def.RSSI
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   client,
		window: opts.Window,
		logger: logger.Named("phin"),
	}
}

type registerRequest struct {
	Contact    string `json:"contact"`
	DeviceType string `json:"deviceType"`
}

type verifyRequest struct {
	Contact          string `json:"contact"`
	DeviceID         string `json:"deviceId"`
	VerificationCode string `json:"verificationCode"`
}

type verifyResponse struct {
	AuthToken    string `json:"auth_token"`
	RefreshToken string `json:"refresh_token"`
	Existing     *bool  `json:"existing"`
	User         struct {
		LocationsURL    string `json:"locationsUrl"`
		RefreshTokenURL string `json:"userRefreshTokenUrl"`
	} `json:"user"`
}

// Register starts the sign-in flow for contact. The service emails an
// activation code and returns the route that Verify must post it to.
func (c *Client) Register(ctx context.Context, contact, deviceUUID string) (string, error) {
	if err := ValidateEmail(contact); err != nil {
		c.logger.Error("email not valid", zap.String("email", contact))
		return "", err
	}

	urls, _, err := c.call(ctx, "urls", http.MethodGet, "/urls", nil, nil)
	if err != nil {
		return "", err
	}
	signin := defaultSignin
	if route, ok := stringField(urls, "signin"); ok && route != "" {
		signin = route
	}

	env, body, err := c.call(ctx, "register", http.MethodPost, signin,
		c.headers(deviceUUID, "", ""),
		registerRequest{Contact: contact, DeviceType: deviceType})
	if err != nil {
		return "", err
	}

	verifyURL, ok := stringField(env, "verifyUrl")
	if !ok || verifyURL == "" {
		return "", &RemoteError{Kind: KindRemote, Op: "register", Body: body, Err: errors.New("response has no verifyUrl")}
	}

	c.logger.Info("registration accepted", zap.String("email", contact), zap.String("uuid", deviceUUID))
	return verifyURL, nil
}

// Verify exchanges an emailed activation code for an auth token and then
// resolves the vessel resource of the user's first location.
//
// A rejected code yields an error matching ErrInvalidActivationCode.
func (c *Client) Verify(ctx context.Context, contact, deviceUUID, verifyURL, code string) (Auth, error) {
	if err := ValidateActivationCode(code); err != nil {
		c.logger.Error("activation code not numeric", zap.String("code", code))
		return Auth{}, err
	}
	if err := ValidateRoute(verifyURL); err != nil {
		c.logger.Error("verify url not valid", zap.String("url", verifyURL))
		return Auth{}, err
	}
	if err := ValidateEmail(contact); err != nil {
		c.logger.Error("email not valid", zap.String("email", contact))
		return Auth{}, err
	}

	_, body, err := c.call(ctx, "verify", http.MethodPost, verifyURL,
		c.headers(deviceUUID, "", ""),
		verifyRequest{Contact: contact, DeviceID: deviceUUID, VerificationCode: code})
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Kind != KindConnection && strings.Contains(strings.ToLower(re.Body), "incorrect") {
			re.Kind = KindInvalidActivationCode
		}
		return Auth{}, err
	}

	var vr verifyResponse
	if err := json.Unmarshal([]byte(body), &vr); err != nil {
		return Auth{}, &RemoteError{Kind: KindRemote, Op: "verify", Body: body, Err: err}
	}
	if vr.Existing != nil && !*vr.Existing {
		return Auth{}, &RemoteError{Kind: KindRemote, Op: "verify", Body: body, Err: errors.New("contact does not exist")}
	}
	if vr.AuthToken == "" || vr.User.LocationsURL == "" {
		return Auth{}, &RemoteError{Kind: KindRemote, Op: "verify", Body: body, Err: errors.New("response has no auth token or locations url")}
	}

	_, body, err = c.call(ctx, "locations", http.MethodGet, vr.User.LocationsURL,
		c.headers(deviceUUID, vr.AuthToken, locationVersion), nil)
	if err != nil {
		return Auth{}, err
	}

	vesselURL, err := decodeAt[string](json.RawMessage(body), "locations", 0, "resources", "vessels", "route")
	if err != nil || vesselURL == "" {
		return Auth{}, &RemoteError{Kind: KindRemote, Op: "locations", Body: body, Err: errors.New("response has no vessel route")}
	}

	return Auth{AuthToken: vr.AuthToken, VesselURL: vesselURL}, nil
}

// headers builds the device headers the service expects on every call.
func (c *Client) headers(deviceUUID, authToken, version string) map[string]string {
	h := map[string]string{
		"x-phin-concise":             "true",
		"x-phin-reporting-app-id":    appID,
		"x-phin-reporting-device-id": deviceUUID,
	}
	if version != "" {
		h["Accept-Version"] = version
	}
	if authToken != "" {
		h["Authorization"] = "Bearer " + authToken
	}
	return h
}

// call issues one request and validates the response envelope.
func (c *Client) call(ctx context.Context, op, method, route string, headers map[string]string, body any) (map[string]json.RawMessage, string, error) {
	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, route)
	if err != nil {
		c.logger.Error("cannot connect to server", zap.String("op", op), zap.Error(err))
		return nil, "", &RemoteError{Kind: KindConnection, Op: op, Err: err}
	}

	env, err := c.check(op, resp.StatusCode(), resp.Body())
	return env, string(resp.Body()), err
}

// check rejects non-JSON bodies, unauthorized codes, unsuccessful envelopes
// and non-2xx statuses.
func (c *Client) check(op string, status int, raw []byte) (map[string]json.RawMessage, error) {
	body := string(raw)

	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil || env == nil {
		c.logger.Error("response is not json", zap.String("op", op), zap.Int("status", status), zap.String("body", body))
		if err == nil {
			err = errors.New("response is not a json object")
		}
		return nil, &RemoteError{Kind: KindRemote, Op: op, Status: status, Body: body, Err: err}
	}

	if code, ok := stringField(env, "code"); (ok && code == "Unauthorized") || status == http.StatusUnauthorized {
		c.logger.Error("api not authorized", zap.String("op", op), zap.String("body", body))
		return nil, &RemoteError{Kind: KindUnauthorized, Op: op, Status: status, Body: body}
	}

	if success, ok := boolField(env, "success"); ok && !success {
		c.logger.Error("request not successful", zap.String("op", op), zap.String("body", body))
		return nil, &RemoteError{Kind: KindRemote, Op: op, Status: status, Body: body}
	}

	if status < 200 || status >= 300 {
		c.logger.Error("unexpected status", zap.String("op", op), zap.Int("status", status), zap.String("body", body))
		return nil, &RemoteError{Kind: KindRemote, Op: op, Status: status, Body: body}
	}

	return env, nil
}

func stringField(env map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := env[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func boolField(env map[string]json.RawMessage, key string) (bool, bool) {
	raw, ok := env[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}
