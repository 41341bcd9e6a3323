// Package service issues LiveKit room tokens to meeting participants.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"go.uber.org/zap"

	"schoolhub/backend/internal/meeting/domain"
	"schoolhub/backend/internal/meeting/repository"
	"schoolhub/backend/internal/platform/rbac"
)

// ErrDisabled is returned when LiveKit credentials are not configured.
var ErrDisabled = errors.New("meetings are not configured")

// DefaultTokenTTL bounds how long a join token can be used to connect.
const DefaultTokenTTL = 2 * time.Hour

// LiveKitConfig holds the media server URL and API credentials.
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// JoinToken is what a client needs to connect to the room.
type JoinToken struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MeetingService authorizes participants and mints room tokens.
type MeetingService struct {
	repo repository.Repository
	cfg  LiveKitConfig
	log  *zap.Logger
	now  func() time.Time
}

// NewMeetingService returns a MeetingService. Join returns ErrDisabled when cfg lacks credentials.
func NewMeetingService(repo repository.Repository, cfg LiveKitConfig, log *zap.Logger) *MeetingService {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &MeetingService{repo: repo, cfg: cfg, log: log, now: time.Now}
}

// Join checks the caller is a participant of meetingID and returns a room token. Hosts may
// publish data and manage the room; attendees publish audio and video only.
func (s *MeetingService) Join(ctx context.Context, meetingID string) (*JoinToken, error) {
	if s.cfg.APIKey == "" || s.cfg.APISecret == "" {
		return nil, ErrDisabled
	}
	p, err := rbac.RequireMeetingParticipant(ctx, s.repo, meetingID)
	if err != nil {
		return nil, err
	}
	host := p.Role == domain.RoleHost
	canPublish, canSubscribe := true, true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           meetingID,
		RoomAdmin:      host,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &host,
	}
	at := auth.NewAccessToken(s.cfg.APIKey, s.cfg.APISecret)
	at.AddGrant(grant).
		SetIdentity(p.UserID).
		SetValidFor(s.cfg.TokenTTL)
	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign livekit token: %w", err)
	}
	s.log.Info("meeting join token issued",
		zap.String("meeting_id", meetingID),
		zap.String("user_id", p.UserID),
		zap.String("role", string(p.Role)))
	return &JoinToken{Token: token, URL: s.cfg.URL, Room: meetingID, ExpiresAt: s.now().Add(s.cfg.TokenTTL).UTC()}, nil
}

// AddParticipant lets a meeting host invite userID with role.
func (s *MeetingService) AddParticipant(ctx context.Context, meetingID, userID, role string) (*domain.Participant, error) {
	if _, err := rbac.RequireMeetingHost(ctx, s.repo, meetingID); err != nil {
		return nil, err
	}
	r, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidParticipant)
	}
	p := &domain.Participant{MeetingID: meetingID, UserID: userID, Role: r}
	if err := s.repo.AddParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	return p, nil
}

// Participants lists the meeting's participants for any participant.
func (s *MeetingService) Participants(ctx context.Context, meetingID string) ([]*domain.Participant, error) {
	if _, err := rbac.RequireMeetingParticipant(ctx, s.repo, meetingID); err != nil {
		return nil, err
	}
	return s.repo.ListParticipants(ctx, meetingID)
}
