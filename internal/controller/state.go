package controller

import (
	"regexp"
	"strings"
)

// State is the activation state of the device session.
type State int

const (
	AwaitingEmail State = iota
	AwaitingVerificationSetup
	AwaitingActivationCode
	Authorized
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case AwaitingEmail:
		return "awaiting_email"
	case AwaitingVerificationSetup:
		return "awaiting_verification_setup"
	case AwaitingActivationCode:
		return "awaiting_activation_code"
	case Authorized:
		return "authorized"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Minimum lengths of service-issued values.
const (
	minUUIDLen      = 20
	minVerifyURLLen = 20
	minAuthTokenLen = 40
	minVesselURLLen = 20
	maxCodeLen      = 10
)

var emailShape = regexp.MustCompile(`[^@]+@[^@]+\.[^@]+`)

// view is the activation session as seen by one pass. Each field holds the
// recorded value when it is valid and "" otherwise.
type view struct {
	email          string
	uuid           string
	verifyURL      string
	activationCode string
	authToken      string
	vesselURL      string
}

func newView(get func(name string) (string, bool)) view {
	valid := func(name string, ok func(string) bool) string {
		v, set := get(name)
		if !set || !ok(v) {
			return ""
		}
		return v
	}

	return view{
		email:          valid(ParamEmail, emailShape.MatchString),
		uuid:           valid(ParamUUID, minLen(minUUIDLen)),
		verifyURL:      valid(ParamVerifyURL, minLen(minVerifyURLLen)),
		activationCode: valid(ParamActivationCode, isActivationCode),
		authToken:      valid(ParamAuthToken, minLen(minAuthTokenLen)),
		vesselURL:      valid(ParamVesselURL, minLen(minVesselURLLen)),
	}
}

func minLen(n int) func(string) bool {
	return func(s string) bool { return len(s) >= n }
}

func isActivationCode(s string) bool {
	if s == "" || len(s) > maxCodeLen {
		return false
	}
	return strings.Trim(s, "0123456789") == ""
}

// deriveState maps a session view onto its activation state.
func deriveState(v view) State {
	switch {
	case v.authToken != "":
		return Authorized
	case v.email == "":
		return AwaitingEmail
	case v.uuid == "" || v.verifyURL == "":
		return AwaitingVerificationSetup
	default:
		return AwaitingActivationCode
	}
}

// flags are the in-flight markers of the current controller lifetime.
type flags struct {
	registering bool
	activating  bool
	activated   bool
}

// action is the work one configuration pass performs.
type action int

const (
	actNone action = iota
	actPromptEmail
	actCreateUUID
	actRegister
	actVerify
)

func (a action) String() string {
	switch a {
	case actPromptEmail:
		return "prompt_email"
	case actCreateUUID:
		return "create_uuid"
	case actRegister:
		return "register"
	case actVerify:
		return "verify"
	}
	return "none"
}

// nextAction evaluates the transition rules in order. The first matching
// rule decides the action of the pass.
func nextAction(v view, f flags) action {
	switch {
	case v.authToken != "":
		return actNone
	case v.email == "":
		return actPromptEmail
	case v.uuid == "":
		return actCreateUUID
	case v.verifyURL == "":
		if f.registering {
			return actNone
		}
		return actRegister
	case v.activationCode != "" && !f.activating && !f.activated:
		return actVerify
	}
	return actNone
}
