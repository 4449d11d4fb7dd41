package classifier

import (
	"context"
	"errors"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
)

// ErrAlreadyLearned is returned when the learn cache reports this
// message was already learned as the requested class (§4.6 step 1,
// §8 scenario "Learn(spam);Learn(spam) -> already learned").
var ErrAlreadyLearned = errors.New("classifier: message already learned as this class")

// Learn implements §4.6's learning algorithm: consult the learn cache,
// preprocess like a scan restricted to the matching-class statfiles (or
// both classes when an unlearn is in flight), call LearnTokens with the
// signed delta, and bump each statfile's learn-revision counter.
func (p *Pipeline) Learn(ctx context.Context, task *domain.Task, digest string, isSpam bool, cfg ClassifierConfig) error {
	unlearn := false
	if p.cache != nil {
		verdict, err := p.cache.Check(ctx, digest, isSpam)
		if err != nil {
			return apperr.BackendTransient("learn-cache", err)
		}
		switch verdict {
		case out.LearnCacheIgnore:
			return ErrAlreadyLearned
		case out.LearnCacheUnlearn:
			unlearn = true
		}
	}

	p.BuildTokenTree(task)
	tokens := tokenSlice(task.TokenTree)

	participating := make([]*domain.Statfile, 0, len(cfg.Statfiles))
	for _, sf := range cfg.Statfiles {
		if sf.IsSpam == isSpam || unlearn {
			participating = append(participating, sf)
		}
	}

	for _, sf := range participating {
		h, err := p.backend.Runtime(ctx, sf)
		if err != nil {
			return apperr.BackendTransient("stat-backend", err)
		}

		delta := int64(1)
		if unlearn && sf.IsSpam != isSpam {
			delta = -1
		}

		if err := p.backend.LearnTokens(ctx, h, tokens, delta); err != nil {
			p.backend.Close(ctx, h)
			return apperr.BackendTransient("stat-backend", err)
		}
		if delta > 0 {
			err = p.backend.IncLearns(ctx, h)
		} else {
			err = p.backend.DecLearns(ctx, h)
		}
		if err != nil {
			p.backend.Close(ctx, h)
			return apperr.BackendTransient("stat-backend", err)
		}
		if err := p.backend.FinalizeLearn(ctx, h); err != nil {
			p.backend.Close(ctx, h)
			return apperr.BackendTransient("stat-backend", err)
		}
		p.backend.Close(ctx, h)
	}

	if p.cache != nil {
		if err := p.cache.Record(ctx, digest, isSpam); err != nil {
			return apperr.BackendTransient("learn-cache", err)
		}
	}
	return nil
}
