package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
)

// StatBackend implements core/port/out.StatBackend against a single
// Redis hash per statfile: field names are the hex token hash, values
// the learn count. A sibling key tracks the total-learns counter.
type StatBackend struct {
	kv out.KV
}

// NewStatBackend wraps an existing KV connection.
func NewStatBackend(kv out.KV) *StatBackend {
	return &StatBackend{kv: kv}
}

var _ out.StatBackend = (*StatBackend)(nil)

type statHandle struct {
	key       string
	learnsKey string
}

func (h *statHandle) Close() error { return nil }

func statKey(sf *domain.Statfile) string {
	return fmt.Sprintf("stat:%s:%s", sf.Classifier, sf.Name)
}

func (b *StatBackend) Init(ctx context.Context, sf *domain.Statfile) error {
	return nil
}

func (b *StatBackend) Runtime(ctx context.Context, sf *domain.Statfile) (domain.StatBackendHandle, error) {
	key := statKey(sf)
	return &statHandle{key: key, learnsKey: key + ":learns"}, nil
}

func (b *StatBackend) ProcessTokens(ctx context.Context, h domain.StatBackendHandle, tokens []*domain.StatToken, slot int) error {
	sh, ok := h.(*statHandle)
	if !ok {
		return apperr.Protocol("stat-backend: wrong handle type")
	}
	if len(tokens) == 0 {
		return nil
	}

	fields := make([]string, len(tokens))
	for i, t := range tokens {
		fields[i] = strconv.FormatUint(t.Hash, 16)
	}

	values, err := b.kv.HMGet(ctx, sh.key, fields...)
	if err != nil {
		return err
	}
	for i, v := range values {
		if slot >= len(tokens[i].ResultSlots) {
			continue
		}
		tokens[i].ResultSlots[slot] = parseCount(v)
	}
	return nil
}

func parseCount(v any) int64 {
	switch n := v.(type) {
	case string:
		count, _ := strconv.ParseInt(n, 10, 64)
		return count
	case int64:
		return n
	default:
		return 0
	}
}

func (b *StatBackend) FinalizeProcess(ctx context.Context, h domain.StatBackendHandle) error {
	return nil
}

func (b *StatBackend) LearnTokens(ctx context.Context, h domain.StatBackendHandle, tokens []*domain.StatToken, delta int64) error {
	sh, ok := h.(*statHandle)
	if !ok {
		return apperr.Protocol("stat-backend: wrong handle type")
	}
	if len(tokens) == 0 {
		return nil
	}

	return b.kv.Multi(ctx, func(pipe out.Pipeliner) error {
		for _, t := range tokens {
			pipe.HIncrBy(sh.key, strconv.FormatUint(t.Hash, 16), delta)
		}
		return nil
	})
}

func (b *StatBackend) FinalizeLearn(ctx context.Context, h domain.StatBackendHandle) error {
	return nil
}

func (b *StatBackend) TotalLearns(ctx context.Context, h domain.StatBackendHandle) (uint64, error) {
	sh, ok := h.(*statHandle)
	if !ok {
		return 0, apperr.Protocol("stat-backend: wrong handle type")
	}
	v, err := b.kv.Get(ctx, sh.learnsKey)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n, nil
}

func (b *StatBackend) IncLearns(ctx context.Context, h domain.StatBackendHandle) error {
	sh, ok := h.(*statHandle)
	if !ok {
		return apperr.Protocol("stat-backend: wrong handle type")
	}
	_, err := b.kv.Incr(ctx, sh.learnsKey)
	return err
}

func (b *StatBackend) DecLearns(ctx context.Context, h domain.StatBackendHandle) error {
	sh, ok := h.(*statHandle)
	if !ok {
		return apperr.Protocol("stat-backend: wrong handle type")
	}
	_, err := b.kv.Decr(ctx, sh.learnsKey)
	return err
}

func (b *StatBackend) GetStat(ctx context.Context, h domain.StatBackendHandle) (map[string]float64, error) {
	total, err := b.TotalLearns(ctx, h)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"learns": float64(total)}, nil
}

func (b *StatBackend) Close(ctx context.Context, h domain.StatBackendHandle) error {
	if sh, ok := h.(*statHandle); ok {
		return sh.Close()
	}
	return nil
}
