package pacscache

import "context"

// Confirm asks the caller to approve a destructive action described by prompt.
// Returning false aborts the action with ErrNotConfirmed.
type Confirm func(ctx context.Context, prompt string) bool

// AlwaysConfirm approves every prompt.
func AlwaysConfirm(context.Context, string) bool { return true }

// NeverConfirm declines every prompt.
func NeverConfirm(context.Context, string) bool { return false }

// Ask invokes c, treating a nil Confirm as a refusal.
func (c Confirm) Ask(ctx context.Context, prompt string) bool {
	if c == nil {
		return false
	}
	return c(ctx, prompt)
}
