package responder

import "context"

// Answerer computes a player's answer to a poll question.
type Answerer interface {
	Answer(ctx context.Context, question []byte) ([]byte, error)
}

// Static answers every question with the same bytes.
type Static []byte

// Answer returns s.
func (s Static) Answer(context.Context, []byte) ([]byte, error) {
	return s, nil
}

// Func adapts a function to an Answerer.
type Func func(ctx context.Context, question []byte) ([]byte, error)

// Answer calls f.
func (f Func) Answer(ctx context.Context, question []byte) ([]byte, error) {
	return f(ctx, question)
}
