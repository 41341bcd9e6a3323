package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"schoolhub/backend/internal/security"
	"schoolhub/backend/internal/session/service"
)

// SessionGuard lets internal services (the realtime gateway, the kiosk relay) validate a
// session cookie they received. Messages are structpb.Struct so no generated code is needed.
const (
	SessionGuardServiceName = "schoolhub.session.v1.SessionGuard"
	ValidateSessionMethod   = "/" + SessionGuardServiceName + "/ValidateSession"
)

// SessionGuardServer is the server API for SessionGuard.
type SessionGuardServer interface {
	// ValidateSession takes {token, fingerprint, ip} and returns {valid, reason, userId, sessionId}.
	ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// SessionGuardServiceDesc is the grpc.ServiceDesc for SessionGuard.
var SessionGuardServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionGuardServiceName,
	HandlerType: (*SessionGuardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateSession", Handler: validateSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schoolhub/session/v1/session_guard.proto",
}

// RegisterSessionGuardServer registers srv on s.
func RegisterSessionGuardServer(s grpc.ServiceRegistrar, srv SessionGuardServer) {
	s.RegisterService(&SessionGuardServiceDesc, srv)
}

func validateSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionGuardServer).ValidateSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ValidateSessionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionGuardServer).ValidateSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// SessionGuardClient calls SessionGuard.
type SessionGuardClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionGuardClient returns a client on cc.
func NewSessionGuardClient(cc grpc.ClientConnInterface) *SessionGuardClient {
	return &SessionGuardClient{cc: cc}
}

// ValidateSession invokes the RPC.
func (c *SessionGuardClient) ValidateSession(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ValidateSessionMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GuardServer implements SessionGuardServer on the session service.
type GuardServer struct {
	sessions *service.SessionService
	log      *zap.Logger
}

// NewGuardServer returns a SessionGuard server.
func NewGuardServer(sessions *service.SessionService, log *zap.Logger) *GuardServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &GuardServer{sessions: sessions, log: log}
}

// ValidateSession runs the same check as RequireSession. The fingerprint field carries the
// X-Client-Fingerprint header value the caller received.
func (s *GuardServer) ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	token := fields["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	fp, err := security.DecodeFingerprintHeader(fields["fingerprint"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid fingerprint")
	}
	res := s.sessions.Validate(ctx, token, fp, fields["ip"].GetStringValue())
	out := map[string]interface{}{
		"valid":  res.Valid,
		"reason": string(res.Reason),
	}
	if res.Valid {
		out["userId"] = res.UserID
		out["sessionId"] = res.Session.ID
		out["role"] = res.Session.Role
	} else {
		s.log.Info("guard: session rejected", zap.String("reason", string(res.Reason)))
	}
	return structpb.NewStruct(out)
}
