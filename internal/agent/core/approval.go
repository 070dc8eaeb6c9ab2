package core

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Approval phrases are matched as substrings; single words require word
// boundaries so "ok" does not match inside "broken".
var (
	approvalPhrases = []string{
		"looks good", "go ahead", "that works", "sounds good",
		"let's do it", "lets do it", "i approve", "save it", "i'm happy with",
	}
	approvalWords = regexp.MustCompile(`(?i)\b(yes|yep|yeah|sure|approve|approved|confirm|confirmed|ok|okay|perfect|great)\b`)
)

// ContainsApprovalToken reports whether a user message signals consent to
// commit a pending proposal. The orchestrator uses this to override LLM
// self-approval.
func ContainsApprovalToken(message string) bool {
	m := strings.ToLower(message)
	for _, p := range approvalPhrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return approvalWords.MatchString(m)
}

type approvalCtxKey struct{}

// WithApproval marks a turn context with whether the user's latest message
// contained an approval token. Save consults this so an LLM cannot approve
// on the user's behalf.
func WithApproval(ctx context.Context, present bool) context.Context {
	return context.WithValue(ctx, approvalCtxKey{}, present)
}

func approvalInContext(ctx context.Context) bool {
	v, _ := ctx.Value(approvalCtxKey{}).(bool)
	return v
}

// codedToolError turns a CodedError into a ToolResult, defaulting to
// INTERNAL_ERROR for anything else.
func codedToolError(err error) ToolResult {
	var coded *CodedError
	if errors.As(err, &coded) {
		return ToolError(coded.Code, coded.Msg)
	}
	return ToolError(CodeInternal, err.Error())
}
