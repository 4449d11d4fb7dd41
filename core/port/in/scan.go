package in

import (
	"context"

	"github.com/contentguard/scanner/core/domain"
)

// ScanReply is the structured verdict returned for a single metric,
// matching §6.1's response shape.
type ScanReply struct {
	Metric        string             `json:"metric"`
	Score         float64            `json:"score"`
	RequiredScore float64            `json:"required_score"`
	Action        string             `json:"action"`
	Symbols       []SymbolReply      `json:"symbols"`
}

// SymbolReply is one fired symbol in a ScanReply.
type SymbolReply struct {
	Name    string   `json:"name"`
	Score   float64  `json:"score"`
	Options []string `json:"options,omitempty"`
}

// ScanService is the ingress-facing contract implemented by the rule
// runner + scheduler + scoring engine working together (§6.1 commands).
type ScanService interface {
	// Check runs every applicable rule and returns the scan verdict.
	Check(ctx context.Context, task *domain.Task) ([]ScanReply, error)
	// Symbols reports only the symbols that fired, without full scoring detail.
	Symbols(ctx context.Context, task *domain.Task) ([]SymbolReply, error)
	// Report is Check plus a human-readable summary line.
	Report(ctx context.Context, task *domain.Task) ([]ScanReply, string, error)
	// ReportIfSpam is Report, but only populated when the verdict is spam-like.
	ReportIfSpam(ctx context.Context, task *domain.Task) ([]ScanReply, string, error)
	// Ping answers a liveness probe.
	Ping(ctx context.Context) error
	// Process runs rules without any learning side effects (dry-run scan).
	Process(ctx context.Context, task *domain.Task) ([]ScanReply, error)
	// Learn feeds task to the statistical pipeline as a training example.
	Learn(ctx context.Context, task *domain.Task, classifier string, isSpam bool) error
}
