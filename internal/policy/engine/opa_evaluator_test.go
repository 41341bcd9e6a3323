package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devicedomain "schoolhub/backend/internal/device/domain"
)

func newEvaluator(t *testing.T, policy string) *OPAEvaluator {
	t.Helper()
	e, err := NewOPAEvaluator(context.Background(), policy, nil)
	require.NoError(t, err)
	return e
}

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e := newEvaluator(t, "")
	assert.NoError(t, e.HealthCheck(context.Background()))
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	e := newEvaluator(t, "")
	tests := []struct {
		name  string
		state devicedomain.TrustState
		role  string
		want  bool
	}{
		{"unknown device", devicedomain.TrustUnknown, "student", true},
		{"seen device", devicedomain.TrustSeen, "student", false},
		{"trusted device", devicedomain.TrustTrusted, "teacher", false},
		{"admin on seen device", devicedomain.TrustSeen, "admin", true},
		{"admin on trusted device", devicedomain.TrustTrusted, "admin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.EvaluateDeviceTrust(context.Background(), Input{
				Device: &devicedomain.Device{ID: "d1", TrustState: tt.state},
				UserID: "u1",
				Role:   tt.role,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.RequireReverification)
		})
	}
}

func TestOPAEvaluator_NilDeviceIsUnknown(t *testing.T) {
	e := newEvaluator(t, "")
	d, err := e.EvaluateDeviceTrust(context.Background(), Input{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, d.RequireReverification)
}

func TestOPAEvaluator_CustomPolicy(t *testing.T) {
	e := newEvaluator(t, `package schoolhub.device_trust

default require_reverification := false

require_reverification if {
	input.device.login_count < 3
}
`)
	d, err := e.EvaluateDeviceTrust(context.Background(), Input{Device: &devicedomain.Device{TrustState: devicedomain.TrustSeen, LoginCount: 2}})
	require.NoError(t, err)
	assert.True(t, d.RequireReverification)

	d, err = e.EvaluateDeviceTrust(context.Background(), Input{Device: &devicedomain.Device{TrustState: devicedomain.TrustUnknown, LoginCount: 5}})
	require.NoError(t, err)
	assert.False(t, d.RequireReverification)
}

func TestOPAEvaluator_NonBoolResultFailsClosed(t *testing.T) {
	e := newEvaluator(t, `package schoolhub.device_trust

require_reverification := "sometimes"
`)
	d, err := e.EvaluateDeviceTrust(context.Background(), Input{Device: &devicedomain.Device{TrustState: devicedomain.TrustSeen}})
	require.Error(t, err)
	assert.True(t, d.RequireReverification)

	d, err = e.EvaluateDeviceTrust(context.Background(), Input{Device: &devicedomain.Device{TrustState: devicedomain.TrustTrusted}})
	require.Error(t, err)
	assert.False(t, d.RequireReverification, "explicitly trusted devices stay trusted")
}

func TestOPAEvaluator_InvalidPolicy(t *testing.T) {
	_, err := NewOPAEvaluator(context.Background(), "package broken\n\nallow if {", nil)
	assert.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	got, err := LoadPolicyFile("")
	require.NoError(t, err)
	assert.Empty(t, got)

	path := filepath.Join(t.TempDir(), "trust.rego")
	require.NoError(t, os.WriteFile(path, []byte(DefaultPolicy), 0o600))
	got, err = LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, got)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}
