package domain

import "context"

// Tool is a course workflow the function-calling router may select.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}
