package out

import (
	"context"

	"github.com/contentguard/scanner/core/domain"
)

// LearnCacheVerdict is returned by a learn-cache backend consulted before
// Learn proceeds.
type LearnCacheVerdict int

const (
	LearnCacheMiss LearnCacheVerdict = iota
	LearnCacheIgnore // already learned as this class
	LearnCacheUnlearn
)

// StatBackend implements the per-statfile operations §4.6 lists:
// init, runtime, process_tokens, finalize_process, learn_tokens,
// finalize_learn, total_learns, inc_learns, dec_learns, get_stat, close.
type StatBackend interface {
	Init(ctx context.Context, sf *domain.Statfile) error
	Runtime(ctx context.Context, sf *domain.Statfile) (domain.StatBackendHandle, error)
	ProcessTokens(ctx context.Context, h domain.StatBackendHandle, tokens []*domain.StatToken, slot int) error
	FinalizeProcess(ctx context.Context, h domain.StatBackendHandle) error
	LearnTokens(ctx context.Context, h domain.StatBackendHandle, tokens []*domain.StatToken, delta int64) error
	FinalizeLearn(ctx context.Context, h domain.StatBackendHandle) error
	TotalLearns(ctx context.Context, h domain.StatBackendHandle) (uint64, error)
	IncLearns(ctx context.Context, h domain.StatBackendHandle) error
	DecLearns(ctx context.Context, h domain.StatBackendHandle) error
	GetStat(ctx context.Context, h domain.StatBackendHandle) (map[string]float64, error)
	Close(ctx context.Context, h domain.StatBackendHandle) error
}

// LearnCache is consulted before Learn proceeds (§4.6 "Learning" step 1).
type LearnCache interface {
	Check(ctx context.Context, digest string, isSpam bool) (LearnCacheVerdict, error)
	Record(ctx context.Context, digest string, isSpam bool) error
}
