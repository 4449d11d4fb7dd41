package rulerunner

import (
	"errors"
	"strings"

	"github.com/contentguard/scanner/core/domain"
)

// EvalComposite evaluates a composite rule's boolean expression against
// task's current hit table on metric. An unresolved atom (a symbol name
// with no hit yet) evaluates to 0/false. Supported operators: "&&", "||",
// "!", and parentheses; atoms are bare symbol names.
//
// If r.RemovesAtoms is set and the expression is true, every atom symbol
// name mentioned is removed from the hit table (the per-composite
// "force or remove contributing atoms" policy, default false per §4.4).
func EvalComposite(task *domain.Task, metric *domain.Metric, r *domain.Rule) (bool, error) {
	mr := task.Result(metric)
	p := &compositeParser{input: r.CompositeExpr, hits: mr.Hits}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if result && r.RemovesAtoms {
		for _, atom := range p.atomsSeen {
			delete(mr.Hits, atom)
		}
	}
	return result, nil
}

type compositeParser struct {
	input     string
	pos       int
	hits      map[string]*domain.SymbolHit
	atomsSeen []string
}

func (p *compositeParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		p.skipSpace()
		if p.consume("||") {
			right, err := p.parseAnd()
			if err != nil {
				return false, err
			}
			left = left || right
			continue
		}
		return left, nil
	}
}

func (p *compositeParser) parseAnd() (bool, error) {
	left, err := p.parseUnary()
	if err != nil {
		return false, err
	}
	for {
		p.skipSpace()
		if p.consume("&&") {
			right, err := p.parseUnary()
			if err != nil {
				return false, err
			}
			left = left && right
			continue
		}
		return left, nil
	}
}

func (p *compositeParser) parseUnary() (bool, error) {
	p.skipSpace()
	if p.consume("!") {
		v, err := p.parseUnary()
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	if p.consume("(") {
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		p.skipSpace()
		if !p.consume(")") {
			return false, errors.New("composite expression: missing closing paren")
		}
		return v, nil
	}
	return p.parseAtom()
}

func (p *compositeParser) parseAtom() (bool, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isAtomChar(p.input[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return false, errors.New("composite expression: empty atom")
	}
	name := p.input[start:p.pos]
	p.atomsSeen = append(p.atomsSeen, name)
	_, ok := p.hits[name]
	return ok, nil
}

func (p *compositeParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *compositeParser) consume(tok string) bool {
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func isAtomChar(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

