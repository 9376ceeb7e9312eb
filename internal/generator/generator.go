// Package generator is the port to the external text-generation service.
package generator

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrEmptyPrompt = errors.New("generator: empty prompt")
	ErrMalformed   = errors.New("generator: malformed response")
)

// Request is one generation call. Context is the opaque blob returned by the
// previous call for the same sender (nil to start fresh).
type Request struct {
	Model   string
	Prompt  string
	System  string
	Context json.RawMessage
}

// Response is the generator's answer. Context must only be kept when Done is set.
type Response struct {
	Done     bool
	Response string
	Context  json.RawMessage
}

// Generator turns a prompt plus prior context into a reply
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to Generator
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
