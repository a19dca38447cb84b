package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDecls() []Declaration {
	return []Declaration{
		{Name: "email", Default: "Enter your email", Required: true, Notice: "Enter your email"},
		{Name: "uuid", Default: "", Required: true},
		{Name: "nickname", Default: "pool", Required: false},
		{Name: "authtoken", Default: "", Required: true, Notice: "Activate the device"},
	}
}

func TestReconcileRecordsNonDefaultValues(t *testing.T) {
	s := New(testDecls()...)

	valid, changed := s.Reconcile(map[string]string{
		"email": "user@example.com",
		"uuid":  "",
	})

	assert.False(t, valid, "authtoken is still unset")
	assert.True(t, changed)
	assert.True(t, s.IsSet("email"))
	assert.False(t, s.IsSet("uuid"), "value equal to default must not mark the parameter set")
	assert.Equal(t, "user@example.com", s.Get("email"))
	assert.Equal(t, "", s.Get("uuid"))
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := New(testDecls()...)
	snapshot := map[string]string{"email": "user@example.com", "uuid": "abc"}

	_, changed := s.Reconcile(snapshot)
	require.True(t, changed)

	_, changed = s.Reconcile(snapshot)
	assert.False(t, changed, "second pass with identical snapshot must not report a change")
}

func TestReconcileValidityIgnoresOptionalParameters(t *testing.T) {
	base := map[string]string{
		"email":     "user@example.com",
		"uuid":      "abc",
		"authtoken": "token",
	}

	tests := []struct {
		name     string
		nickname string
	}{
		{"default value", "pool"},
		{"custom value", "backyard"},
		{"empty value", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testDecls()...)
			valid, _ := s.Reconcile(base)
			require.True(t, valid)

			snapshot := map[string]string{"nickname": tt.nickname}
			for k, v := range base {
				snapshot[k] = v
			}
			valid, _ = s.Reconcile(snapshot)
			assert.True(t, valid)
		})
	}
}

func TestReconcileComparesAgainstPreviousValue(t *testing.T) {
	s := New(testDecls()...)
	s.Reconcile(map[string]string{"email": "a@example.com"})

	_, changed := s.Reconcile(map[string]string{"email": "b@example.com"})
	assert.True(t, changed)
	assert.Equal(t, "b@example.com", s.Get("email"))

	// Reverting to the default keeps the recorded value and is not a change
	_, changed = s.Reconcile(map[string]string{"email": "Enter your email"})
	assert.False(t, changed)
	assert.Equal(t, "b@example.com", s.Get("email"))
}

func TestReconcileIgnoresUnknownNames(t *testing.T) {
	s := New(testDecls()...)
	_, changed := s.Reconcile(map[string]string{"unknown": "value"})
	assert.False(t, changed)
	assert.Equal(t, "", s.Get("unknown"))
}

func TestDeclareIsIdempotent(t *testing.T) {
	s := New(testDecls()...)
	s.Reconcile(map[string]string{"email": "user@example.com"})

	s.Declare(testDecls()...)

	assert.Len(t, s.Parameters(), 4)
	assert.Equal(t, "user@example.com", s.Get("email"))
}

func TestMissingRequiredNotices(t *testing.T) {
	s := New(testDecls()...)
	s.Reconcile(map[string]string{"uuid": "abc"})

	type pair struct{ notice, name string }
	collect := func() []pair {
		var got []pair
		for notice, name := range s.MissingRequiredNotices() {
			got = append(got, pair{notice, name})
		}
		return got
	}

	want := []pair{
		{"Enter your email", "email"},
		{"Activate the device", "authtoken"},
	}
	assert.Equal(t, want, collect())
	assert.Equal(t, want, collect(), "sequence must be restartable")

	// Early termination stops iteration
	count := 0
	for range s.MissingRequiredNotices() {
		count++
		break
	}
	assert.Equal(t, 1, count)

	s.Reconcile(map[string]string{"email": "user@example.com"})
	assert.Equal(t, []pair{{"Activate the device", "authtoken"}}, collect())
}

func TestResetAndSnapshot(t *testing.T) {
	s := New(testDecls()...)
	s.Reconcile(map[string]string{"email": "user@example.com", "authtoken": "token"})

	s.Reset("authtoken")
	assert.False(t, s.IsSet("authtoken"))
	assert.True(t, s.IsSet("email"))

	snap := s.Snapshot()
	assert.Equal(t, "user@example.com", snap["email"])
	assert.Equal(t, "pool", snap["nickname"])

	s.Reset()
	assert.False(t, s.IsSet("email"))
	_, ok := s.Lookup("email")
	assert.False(t, ok)
}
