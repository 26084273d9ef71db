package runtime

import (
	"context"
	"errors"
	"io/fs"

	"github.com/openrobobrain/orb/internal/agent"
	"github.com/openrobobrain/orb/internal/behavior"
	"github.com/openrobobrain/orb/internal/broadcast"
	"github.com/openrobobrain/orb/internal/memory"
	"github.com/openrobobrain/orb/internal/sessions"
	"github.com/openrobobrain/orb/internal/subagent"
	"github.com/openrobobrain/orb/internal/tools"
)

// Kind buckets an error for the ProcessResult error field and for
// metrics. Tool-level failures (denied, handler error, per-tool
// timeout) never surface here: the executor folds those into
// ToolResults and the run carries on.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindNotFound          Kind = "not_found"
	KindPolicyDenied      Kind = "policy_denied"
	KindToolFailed        Kind = "tool_failed"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindLLMFailed         Kind = "llm_failed"
	KindIOError           Kind = "io_error"
	KindCorruptTranscript Kind = "corrupt_transcript"
	KindResourceExhausted Kind = "resource_exhausted"
	KindInternal          Kind = "internal"
)

// Classify maps an error to its kind. Unknown errors are internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, agent.ErrNoProvider), errors.Is(err, behavior.ErrNoProvider):
		return KindLLMFailed
	case errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, memory.ErrUnknownMemory),
		errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, subagent.ErrUnknownSpawn):
		return KindNotFound
	case errors.Is(err, memory.ErrDuplicateMemory),
		errors.Is(err, subagent.ErrEmptyTask),
		errors.Is(err, agent.ErrNoSession),
		errors.Is(err, ErrEmptyUtterance),
		errors.Is(err, tools.ErrInvalidTool),
		errors.Is(err, tools.ErrDuplicateTool),
		errors.Is(err, tools.ErrUnknownProfile):
		return KindInvalidArgument
	case errors.Is(err, subagent.ErrTooManySpawns),
		errors.Is(err, subagent.ErrTooManyChildren),
		errors.Is(err, subagent.ErrSpawnDepth),
		errors.Is(err, broadcast.ErrNoPortAvailable):
		return KindResourceExhausted
	}

	var corrupt *sessions.CorruptTranscriptError
	if errors.As(err, &corrupt) {
		return KindCorruptTranscript
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindIOError
	}
	return KindInternal
}

// Describe renders an error as "kind: detail" for user-facing results.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return string(Classify(err)) + ": " + err.Error()
}
