package models

import (
	"strings"
	"testing"
)

func validHandoff() *AgentHandoff {
	return &AgentHandoff{
		SourceAgent:    AgentValuation,
		TargetAgent:    AgentStrategic,
		ResearchFiles:  []string{"AAPL/valuation/valuation.md"},
		ContextSummary: strings.Repeat("Valuation findings for AAPL. ", 6),
	}
}

func TestAgentHandoffValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentHandoff)
		wantErr bool
	}{
		{
			name:    "valid handoff",
			mutate:  func(h *AgentHandoff) {},
			wantErr: false,
		},
		{
			name:    "empty file list",
			mutate:  func(h *AgentHandoff) { h.ResearchFiles = nil },
			wantErr: true,
		},
		{
			name: "summary too short",
			mutate: func(h *AgentHandoff) {
				h.ContextSummary = "too short to carry context"
			},
			wantErr: true,
		},
		{
			name: "summary of exactly the minimum is still too short",
			mutate: func(h *AgentHandoff) {
				h.ContextSummary = strings.Repeat("x", MinSummaryLength)
			},
			wantErr: true,
		},
		{
			name: "padding does not count toward the minimum",
			mutate: func(h *AgentHandoff) {
				h.ContextSummary = strings.Repeat("x", 50) + strings.Repeat(" ", 200)
			},
			wantErr: true,
		},
		{
			name: "summary too long",
			mutate: func(h *AgentHandoff) {
				h.ContextSummary = strings.Repeat("x", MaxSummaryLength+1)
			},
			wantErr: true,
		},
		{
			name: "self handoff",
			mutate: func(h *AgentHandoff) {
				h.TargetAgent = h.SourceAgent
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHandoff()
			tt.mutate(h)
			err := h.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAgentOrder(t *testing.T) {
	want := []AgentName{AgentValuation, AgentStrategic, AgentHistorian, AgentSynthesis}
	got := AgentOrder()
	if len(got) != len(want) {
		t.Fatalf("AgentOrder() length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AgentOrder()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Mutating the returned slice must not affect later callers.
	got[0] = AgentSynthesis
	if again := AgentOrder(); again[0] != AgentValuation {
		t.Errorf("AgentOrder() returned a shared slice")
	}
}

func TestAgentNameValid(t *testing.T) {
	for _, name := range AgentOrder() {
		if !name.Valid() {
			t.Errorf("Valid() = false for pipeline agent %s", name)
		}
	}
	if AgentName("assessment").Valid() {
		t.Errorf("Valid() = true for non-pipeline agent")
	}
}

func TestNewHandoffData(t *testing.T) {
	res := &AgentResult{
		AgentName:            AgentValuation,
		Success:              true,
		ResearchFilesCreated: []string{"AAPL/valuation/temp.md", "AAPL/valuation/valuation.md"},
		Summary:              strings.Repeat("Owner-returns valuation complete. ", 5),
		TokenUsage:           2200,
		ConfidenceScore:      0.8,
	}

	data := NewHandoffData(res)
	if len(data.ResearchFiles) != 2 {
		t.Errorf("ResearchFiles = %d entries, want 2", len(data.ResearchFiles))
	}
	if data.TokenUsage != 2200 {
		t.Errorf("TokenUsage = %d, want 2200", data.TokenUsage)
	}
	if data.ConfidenceMetrics["confidence"] != 0.8 {
		t.Errorf("defaulted confidence = %v, want 0.8", data.ConfidenceMetrics["confidence"])
	}
	if data.ConfidenceMetrics["completeness"] != 0.5 {
		t.Errorf("defaulted completeness = %v, want 0.5", data.ConfidenceMetrics["completeness"])
	}

	// Explicit metrics pass through untouched.
	res.ConfidenceMetrics = map[string]float64{"confidence": 0.95}
	data = NewHandoffData(res)
	if data.ConfidenceMetrics["confidence"] != 0.95 {
		t.Errorf("explicit confidence = %v, want 0.95", data.ConfidenceMetrics["confidence"])
	}
}

func TestResearchStateTerminal(t *testing.T) {
	tests := []struct {
		state ResearchState
		want  bool
	}{
		{ResearchPending, false},
		{ResearchActive, false},
		{ResearchCompleted, true},
		{ResearchFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
