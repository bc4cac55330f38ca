// ABOUTME: Request context carrying the authenticated operator
// ABOUTME: Set by the HTTP middleware, read by handlers for logging

package auth

import (
	"context"
)

type subjectKey struct{}

// WithSubject returns a context carrying the operator subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the operator subject, or "" for unauthenticated
// requests.
func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
