// Seed inserts development sample data: one class roster and one meeting. It is idempotent.
// With AUTH_JWT_SECRET set it also prints short-lived provider tokens for the dev users, so the
// login endpoint can be exercised without the hosted auth provider.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	attendancerepo "schoolhub/backend/internal/attendance/repository"
	"schoolhub/backend/internal/config"
	"schoolhub/backend/internal/db"
	"schoolhub/backend/internal/db/migrate"
	meetingdomain "schoolhub/backend/internal/meeting/domain"
	meetingrepo "schoolhub/backend/internal/meeting/repository"
	"schoolhub/backend/internal/security"
)

const (
	devClassID   = "dev-class-7b"
	devMeetingID = "dev-meeting-001"
	devTeacherID = "dev-teacher-001"
	devTokenTTL  = 12 * time.Hour
)

var devStudents = []string{"dev-student-001", "dev-student-002", "dev-student-003"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseDriver == "memory" {
		log.Fatal("seed needs DATABASE_DRIVER=postgres or sqlite")
	}
	if err := migrate.Run(cfg.DatabaseDriver, cfg.DatabaseURL, "up"); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	attendance := attendancerepo.NewSQLRepository(conn)
	meetings := meetingrepo.NewSQLRepository(conn)

	for _, id := range devStudents {
		if err := attendance.Enroll(ctx, devClassID, id); err != nil {
			log.Fatalf("enroll %s: %v", id, err)
		}
	}
	participants := []*meetingdomain.Participant{{MeetingID: devMeetingID, UserID: devTeacherID, Role: meetingdomain.RoleHost}}
	for _, id := range devStudents {
		participants = append(participants, &meetingdomain.Participant{MeetingID: devMeetingID, UserID: id, Role: meetingdomain.RoleAttendee})
	}
	for _, p := range participants {
		if err := meetings.AddParticipant(ctx, p); err != nil {
			log.Fatalf("add participant %s: %v", p.UserID, err)
		}
	}
	fmt.Printf("seeded class %s (%d students) and meeting %s\n", devClassID, len(devStudents), devMeetingID)

	if cfg.AuthJWTSecret == "" {
		return
	}
	fmt.Println("dev access tokens (POST /api/session {accessToken, fingerprint}):")
	printToken(cfg, devTeacherID, "teacher")
	for _, id := range devStudents {
		printToken(cfg, id, "student")
	}
}

func printToken(cfg *config.Config, userID, role string) {
	now := time.Now()
	claims := security.ProviderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
		},
		Email: userID + "@school.test",
		Role:  role,
	}
	if cfg.AuthJWTIssuer != "" {
		claims.Issuer = cfg.AuthJWTIssuer
	}
	if cfg.AuthJWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.AuthJWTAudience}
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.AuthJWTSecret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Printf("  %-16s %-8s %s\n", userID, role, tok)
}
