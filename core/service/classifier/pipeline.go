package classifier

import (
	"context"
	"math"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
)

// ClassifierConfig describes one configured classifier: its symbol
// weight and the statfiles that carry its learn counts.
type ClassifierConfig struct {
	Name      string
	MinTokens int
	MaxTokens int
	Statfiles []*domain.Statfile
	Weight    float64
}

// Pipeline runs the tokenize -> pre-process -> process -> classify ->
// finalize stages of §4.6 against one StatBackend.
type Pipeline struct {
	backend   out.StatBackend
	tokenizer Tokenizer
	cache     out.LearnCache
}

// New builds a Pipeline. cache may be nil, in which case Learn skips
// the already-learned check (used for backends with no learn cache
// configured).
func New(backend out.StatBackend, tokenizer Tokenizer, cache out.LearnCache) *Pipeline {
	if tokenizer == nil {
		tokenizer = NewOSBTokenizer()
	}
	return &Pipeline{backend: backend, tokenizer: tokenizer, cache: cache}
}

// BuildTokenTree tokenizes the subject and message body into the task's
// deduplicated token tree (§4.6 step 1). Safe to call once per task;
// subsequent rule invocations share the same tree.
func (p *Pipeline) BuildTokenTree(task *domain.Task) {
	if task.TokenTree == nil {
		task.TokenTree = make(map[uint64]*domain.StatToken)
	}
	if len(task.TokenTree) > 0 {
		return
	}

	add := func(hashes []uint64) {
		for _, h := range hashes {
			if _, ok := task.TokenTree[h]; !ok {
				task.TokenTree[h] = &domain.StatToken{Hash: h}
			}
		}
	}

	if task.Envelope.SubjectOverride != "" {
		add(p.tokenizer.Tokenize(task.Envelope.SubjectOverride))
	}
	add(p.tokenizer.Tokenize(string(task.Message)))
}

// newRuntime builds a per-task, per-classifier runtime: one
// StatfileRuntime per configured statfile, each opened via
// backend.Runtime, plus a view of the task's token tree capped to
// MaxTokens when set.
func (p *Pipeline) newRuntime(ctx context.Context, task *domain.Task, cfg ClassifierConfig) (*domain.ClassifierRuntime, error) {
	rt := &domain.ClassifierRuntime{
		Name:      cfg.Name,
		Tokens:    make(map[uint64]*domain.StatToken, len(task.TokenTree)),
		MinTokens: cfg.MinTokens,
		MaxTokens: cfg.MaxTokens,
		Stage:     domain.StagePre,
	}

	n := 0
	for hash, tok := range task.TokenTree {
		if cfg.MaxTokens > 0 && n >= cfg.MaxTokens {
			break
		}
		rt.Tokens[hash] = &domain.StatToken{Hash: tok.Hash, ResultSlots: make([]int64, len(cfg.Statfiles))}
		n++
	}

	for _, sf := range cfg.Statfiles {
		h, err := p.backend.Runtime(ctx, sf)
		if err != nil {
			return nil, apperr.BackendTransient("stat-backend", err)
		}
		rt.Statfiles = append(rt.Statfiles, &domain.StatfileRuntime{Statfile: sf, Handle: h})
	}
	return rt, nil
}

// Process runs the process-tokens and classify stages for one
// classifier and returns the resulting symbol hits, or no hits (and no
// error) if the token count is below MinTokens.
func (p *Pipeline) Process(ctx context.Context, task *domain.Task, cfg ClassifierConfig) ([]*domain.SymbolHit, error) {
	p.BuildTokenTree(task)
	if len(task.TokenTree) < cfg.MinTokens {
		return nil, nil
	}

	rt, err := p.newRuntime(ctx, task, cfg)
	if err != nil {
		return nil, err
	}
	defer p.closeRuntime(ctx, rt)

	tokens := tokenSlice(rt.Tokens)
	for slot, sfrt := range rt.Statfiles {
		if err := p.backend.ProcessTokens(ctx, sfrt.Handle, tokens, slot); err != nil {
			return nil, apperr.BackendTransient("stat-backend", err)
		}
		if err := p.backend.FinalizeProcess(ctx, sfrt.Handle); err != nil {
			return nil, apperr.BackendTransient("stat-backend", err)
		}
	}
	rt.Stage = domain.StageProcessed

	hits := p.classify(rt, cfg)
	rt.Stage = domain.StagePost
	return hits, nil
}

func (p *Pipeline) closeRuntime(ctx context.Context, rt *domain.ClassifierRuntime) {
	for _, sfrt := range rt.Statfiles {
		p.backend.Close(ctx, sfrt.Handle)
	}
}

// classify combines per-statfile learn counts into a naive-Bayes log-
// odds score and emits a hit for whichever class's evidence dominates.
// No minimum-confidence floor is applied: any token with learn counts
// yields a hit, however close the confidence is to 0.5.
func (p *Pipeline) classify(rt *domain.ClassifierRuntime, cfg ClassifierConfig) []*domain.SymbolHit {
	if len(rt.Tokens) == 0 || len(cfg.Statfiles) == 0 {
		return nil
	}

	var spamLogOdds, hamLogOdds float64
	var tokensUsed int
	for _, tok := range rt.Tokens {
		var spamCount, hamCount int64
		for i, sfrt := range rt.Statfiles {
			if i >= len(tok.ResultSlots) {
				continue
			}
			if sfrt.Statfile.IsSpam {
				spamCount += tok.ResultSlots[i]
			} else {
				hamCount += tok.ResultSlots[i]
			}
		}
		if spamCount == 0 && hamCount == 0 {
			continue
		}
		tokensUsed++
		total := float64(spamCount + hamCount + 2)
		pSpam := (float64(spamCount) + 1) / total
		pHam := (float64(hamCount) + 1) / total
		spamLogOdds += math.Log(pSpam)
		hamLogOdds += math.Log(pHam)
	}

	if tokensUsed == 0 {
		return nil
	}

	diff := spamLogOdds - hamLogOdds
	confidence := 1 / (1 + math.Exp(-diff/float64(tokensUsed)))

	var hits []*domain.SymbolHit
	for _, sfrt := range cfg.statfileFor(rt, confidence) {
		hits = append(hits, &domain.SymbolHit{
			RuleName: sfrt.Statfile.Name,
			Score:    cfg.Weight * scaleConfidence(confidence, sfrt.Statfile.IsSpam),
		})
	}
	return hits
}

// statfileFor picks the statfile matching the dominant class so the
// classifier reports exactly one symbol per scan (the spam statfile
// when confidence leans spam, the ham statfile otherwise).
func (c ClassifierConfig) statfileFor(rt *domain.ClassifierRuntime, confidence float64) []*domain.StatfileRuntime {
	wantSpam := confidence >= 0.5
	for _, sfrt := range rt.Statfiles {
		if sfrt.Statfile.IsSpam == wantSpam {
			return []*domain.StatfileRuntime{sfrt}
		}
	}
	return nil
}

func scaleConfidence(confidence float64, isSpam bool) float64 {
	if isSpam {
		return (confidence - 0.5) * 2
	}
	return (0.5 - confidence) * 2
}

func tokenSlice(tokens map[uint64]*domain.StatToken) []*domain.StatToken {
	out := make([]*domain.StatToken, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t)
	}
	return out
}
