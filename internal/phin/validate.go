package phin

import (
	"fmt"
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`^[a-z0-9]+[._]?[a-z0-9]+@\w+\.\w+$`)

// ValidateEmail checks that contact looks like an address the service accepts.
func ValidateEmail(contact string) error {
	if !emailPattern.MatchString(contact) {
		return fmt.Errorf("%w: email %q is not valid", ErrInvalidInput, contact)
	}
	return nil
}

// ValidateActivationCode checks that code is a non-empty string of digits.
func ValidateActivationCode(code string) error {
	if !isNumeric(code) {
		return fmt.Errorf("%w: activation code %q is not numeric", ErrInvalidInput, code)
	}
	return nil
}

// ValidateRoute checks that route is a server-relative path.
func ValidateRoute(route string) error {
	if !strings.HasPrefix(route, "/") {
		return fmt.Errorf("%w: url route %q is not valid", ErrInvalidInput, route)
	}
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
