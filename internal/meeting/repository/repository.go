// Package repository persists meeting participants.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"

	"schoolhub/backend/internal/meeting/domain"
)

// Repository stores who may join which meeting.
type Repository interface {
	// GetParticipant returns (nil, nil) when userID is not a participant.
	GetParticipant(ctx context.Context, meetingID, userID string) (*domain.Participant, error)
	// AddParticipant inserts or updates the participant's role.
	AddParticipant(ctx context.Context, p *domain.Participant) error
	ListParticipants(ctx context.Context, meetingID string) ([]*domain.Participant, error)
}

// SQLRepository implements Repository on Postgres or SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns a participant repository backed by db.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

type participantRow struct {
	MeetingID string `db:"meeting_id"`
	UserID    string `db:"user_id"`
	Role      string `db:"role"`
}

func (r participantRow) toDomain() *domain.Participant {
	return &domain.Participant{MeetingID: r.MeetingID, UserID: r.UserID, Role: domain.Role(r.Role)}
}

// GetParticipant implements Repository.
func (r *SQLRepository) GetParticipant(ctx context.Context, meetingID, userID string) (*domain.Participant, error) {
	var row participantRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT meeting_id, user_id, role
		FROM meeting_participants WHERE meeting_id = ? AND user_id = ?`), meetingID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// AddParticipant implements Repository.
func (r *SQLRepository) AddParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO meeting_participants (meeting_id, user_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT (meeting_id, user_id) DO UPDATE SET role = excluded.role`),
		p.MeetingID, p.UserID, string(p.Role))
	return err
}

// ListParticipants implements Repository.
func (r *SQLRepository) ListParticipants(ctx context.Context, meetingID string) ([]*domain.Participant, error) {
	var rows []participantRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT meeting_id, user_id, role
		FROM meeting_participants WHERE meeting_id = ? ORDER BY user_id`), meetingID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Participant, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// MemoryRepository is an in-process Repository for tests and DATABASE_DRIVER=memory.
type MemoryRepository struct {
	mu           sync.Mutex
	participants map[string]domain.Participant
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{participants: make(map[string]domain.Participant)}
}

func key(meetingID, userID string) string {
	return meetingID + "\x00" + userID
}

// GetParticipant implements Repository.
func (m *MemoryRepository) GetParticipant(_ context.Context, meetingID, userID string) (*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[key(meetingID, userID)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// AddParticipant implements Repository.
func (m *MemoryRepository) AddParticipant(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[key(p.MeetingID, p.UserID)] = *p
	return nil
}

// ListParticipants implements Repository.
func (m *MemoryRepository) ListParticipants(_ context.Context, meetingID string) ([]*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Participant
	for _, p := range m.participants {
		if p.MeetingID == meetingID {
			c := p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
