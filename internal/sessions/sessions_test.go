package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/stockscope/stockscope/pkg/models"
)

func TestCreateNormalizesTicker(t *testing.T) {
	s := NewStore()
	session, err := s.Create(context.Background(), "  aapl ")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.Ticker != "AAPL" {
		t.Errorf("Ticker = %q, want AAPL", session.Ticker)
	}
	if session.ID == "" {
		t.Errorf("ID empty, want generated uuid")
	}
	if session.Status != models.SessionActive {
		t.Errorf("Status = %q, want %q", session.Status, models.SessionActive)
	}
	if session.AssessmentCompleted {
		t.Errorf("AssessmentCompleted = true for fresh session")
	}
}

func TestCreateRequiresTicker(t *testing.T) {
	s := NewStore()
	if _, err := s.Create(context.Background(), "   "); err == nil {
		t.Fatal("Create() error = nil, want ticker required error")
	}
}

func TestGetNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get(context.Background(), "missing")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Get() error = %v, want *ErrNotFound", err)
	}
	if notFound.SessionID != "missing" {
		t.Errorf("ErrNotFound.SessionID = %q, want missing", notFound.SessionID)
	}
}

func TestCompleteAssessment(t *testing.T) {
	tests := []struct {
		name      string
		score     int
		total     int
		wantLevel int
		wantErr   bool
	}{
		{name: "perfect score", score: 10, total: 10, wantLevel: 10},
		{name: "half score", score: 5, total: 10, wantLevel: 5},
		{name: "zero score floors at one", score: 0, total: 10, wantLevel: 1},
		{name: "rounding up", score: 7, total: 9, wantLevel: 8},
		{name: "zero total rejected", score: 0, total: 0, wantErr: true},
		{name: "score above total rejected", score: 11, total: 10, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			created, err := s.Create(context.Background(), "MSFT")
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			session, err := s.CompleteAssessment(context.Background(), created.ID, tt.score, tt.total)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CompleteAssessment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if session.ExpertiseLevel != tt.wantLevel {
				t.Errorf("ExpertiseLevel = %d, want %d", session.ExpertiseLevel, tt.wantLevel)
			}
			if !session.AssessmentCompleted {
				t.Errorf("AssessmentCompleted = false after assessment")
			}
		})
	}
}

func TestReturnedSessionIsACopy(t *testing.T) {
	s := NewStore()
	created, err := s.Create(context.Background(), "NVDA")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	created.Ticker = "HACKED"
	fetched, err := s.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if fetched.Ticker != "NVDA" {
		t.Errorf("Ticker = %q, caller mutation leaked into store", fetched.Ticker)
	}
}

func TestMarkResearchStarted(t *testing.T) {
	s := NewStore()
	created, err := s.Create(context.Background(), "AMZN")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.MarkResearchStarted(context.Background(), created.ID); err != nil {
		t.Fatalf("MarkResearchStarted() error = %v", err)
	}
	session, err := s.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.Status != models.SessionResearching {
		t.Errorf("Status = %q, want %q", session.Status, models.SessionResearching)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	created, err := s.Create(context.Background(), "GOOG")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(context.Background(), created.ID); err == nil {
		t.Errorf("Get() after delete error = nil, want not found")
	}
	var notFound *ErrNotFound
	if err := s.Delete(context.Background(), created.ID); !errors.As(err, &notFound) {
		t.Errorf("second Delete() error = %v, want *ErrNotFound", err)
	}
}
