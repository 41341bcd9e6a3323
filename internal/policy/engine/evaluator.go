package engine

import (
	"context"

	devicedomain "schoolhub/backend/internal/device/domain"
)

// Input is the context a device trust decision is made in.
type Input struct {
	Device      *devicedomain.Device
	IsNewDevice bool
	UserID      string
	Role        string
}

// Decision is the result of device trust evaluation.
type Decision struct {
	// RequireReverification asks the client to re-verify the user (e.g. email link) before
	// sensitive actions on this device.
	RequireReverification bool
}

// Evaluator evaluates device trust policy.
type Evaluator interface {
	EvaluateDeviceTrust(ctx context.Context, in Input) (Decision, error)
}
