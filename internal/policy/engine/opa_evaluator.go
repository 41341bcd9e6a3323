package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	devicedomain "schoolhub/backend/internal/device/domain"
)

const decisionQuery = "data.schoolhub.device_trust.require_reverification"

// DefaultPolicy requires re-verification on devices that have never completed a login, and for
// admins on any device they have not explicitly trusted.
const DefaultPolicy = `package schoolhub.device_trust

default require_reverification := false

require_reverification if {
	input.device.trust_state == "unknown"
}

require_reverification if {
	input.user.role == "admin"
	input.device.trust_state != "trusted"
}
`

// OPAEvaluator evaluates device trust with a Rego policy compiled once at construction.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
	log   *zap.Logger
}

// NewOPAEvaluator compiles policy (DefaultPolicy when empty). log may be nil.
func NewOPAEvaluator(ctx context.Context, policy string, log *zap.Logger) (*OPAEvaluator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == "" {
		policy = DefaultPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"device_trust.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile device trust policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare device trust policy: %w", err)
	}
	return &OPAEvaluator{query: q, log: log}, nil
}

// LoadPolicyFile returns the contents of path, or "" when path is empty.
func LoadPolicyFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy file: %w", err)
	}
	return string(b), nil
}

// HealthCheck evaluates the compiled policy against a minimal input. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, buildInput(Input{}))
	return err
}

// EvaluateDeviceTrust implements Evaluator. When evaluation fails, the decision fails closed:
// re-verification is required unless the device is explicitly trusted. The error is returned
// alongside for logging.
func (e *OPAEvaluator) EvaluateDeviceTrust(ctx context.Context, in Input) (Decision, error) {
	v, err := e.eval(ctx, buildInput(in))
	if err != nil {
		e.log.Warn("device trust evaluation failed, failing closed", zap.String("user_id", in.UserID), zap.Error(err))
		return failClosed(in), err
	}
	return Decision{RequireReverification: v}, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, input map[string]any) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval device trust policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("device trust policy returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("device trust policy returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}

func buildInput(in Input) map[string]any {
	device := map[string]any{
		"id":          "",
		"trust_state": string(devicedomain.TrustUnknown),
		"is_new":      in.IsNewDevice,
		"login_count": 0,
	}
	if d := in.Device; d != nil {
		device["id"] = d.ID
		device["trust_state"] = string(d.TrustState)
		device["login_count"] = d.LoginCount
	}
	return map[string]any{
		"device": device,
		"user": map[string]any{
			"id":   in.UserID,
			"role": in.Role,
		},
	}
}

func failClosed(in Input) Decision {
	return Decision{RequireReverification: in.Device == nil || !in.Device.IsTrusted()}
}
