package inference

import "context"

// Engine is the inference capability: one request, exactly one reply. A
// returned error is a transport-level failure; a service-side failure is an
// error Reply.
type Engine interface {
	RunInference(ctx context.Context, req *Request) (*Reply, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req *Request) (*Reply, error)

func (f EngineFunc) RunInference(ctx context.Context, req *Request) (*Reply, error) {
	return f(ctx, req)
}
