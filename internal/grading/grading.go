// Package grading scores a single answer to a poll question.
package grading

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/livelearn/livelearn/internal/store"
)

var ErrBadAnswer = errors.New("answer has the wrong shape for this question")

// Strategy scores one question type.
type Strategy interface {
	Score(q store.Question, answer any) (float64, error)
}

type Option func(*config)

type config struct {
	maxEdit        int
	partialChecked bool
}

// WithMaxEditDistance turns on typo tolerance for text answers. A near
// miss earns half the points. The budget shrinks with the key: one edit
// per four runes, never more than n, and none for keys with digits.
func WithMaxEditDistance(n int) Option { return func(c *config) { c.maxEdit = n } }

// WithPartialCheckbox awards proportional credit for checkbox answers that
// pick only correct choices but miss some.
func WithPartialCheckbox(b bool) Option { return func(c *config) { c.partialChecked = b } }

// Grader routes by question type.
type Grader struct {
	strategies map[store.QuestionType]Strategy
}

func New(opts ...Option) *Grader {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	return &Grader{strategies: map[store.QuestionType]Strategy{
		store.QuestionRadio:    radio{},
		store.QuestionCheckbox: checkbox{partial: cfg.partialChecked},
		store.QuestionText:     text{maxEdit: cfg.maxEdit},
	}}
}

// Score returns the points earned by answer, between 0 and q.Points.
func (g *Grader) Score(q store.Question, answer any) (float64, error) {
	s, ok := g.strategies[q.Type]
	if !ok {
		return 0, fmt.Errorf("unknown question type %q", q.Type)
	}
	return s.Score(q, answer)
}

type radio struct{}

func (radio) Score(q store.Question, answer any) (float64, error) {
	a, ok := answer.(string)
	if !ok {
		return 0, ErrBadAnswer
	}
	for _, k := range q.Answers {
		if a == k {
			return q.Points, nil
		}
	}
	return 0, nil
}

type checkbox struct{ partial bool }

func (s checkbox) Score(q store.Question, answer any) (float64, error) {
	picked, ok := Strings(answer)
	if !ok {
		return 0, ErrBadAnswer
	}
	want := set(q.Answers)
	got := set(picked)
	hits := 0
	for k := range got {
		if _, ok := want[k]; !ok {
			return 0, nil // any wrong pick forfeits the question
		}
		hits++
	}
	switch {
	case hits == len(want):
		return q.Points, nil
	case s.partial && len(want) > 0:
		return q.Points * float64(hits) / float64(len(want)), nil
	}
	return 0, nil
}

type text struct{ maxEdit int }

func (s text) Score(q store.Question, answer any) (float64, error) {
	a, ok := answer.(string)
	if !ok {
		return 0, ErrBadAnswer
	}
	na := Normalize(a)
	if na == "" {
		return 0, nil
	}
	near := false
	for _, k := range q.Answers {
		nk := Normalize(k)
		if nk == na {
			return q.Points, nil
		}
		if budget := s.budget(nk); budget > 0 && editDistance(nk, na) <= budget {
			near = true
		}
	}
	if near {
		return q.Points * 0.5, nil
	}
	return 0, nil
}

func (s text) budget(key string) int {
	if s.maxEdit <= 0 || strings.ContainsFunc(key, unicode.IsDigit) {
		return 0
	}
	return min(s.maxEdit, utf8.RuneCountInString(key)/4)
}

// Strings accepts []string or a decoded JSON array of strings.
func Strings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func set(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}
