package hooks

import (
	"bytes"
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

// maxOutputBytes caps hook output recorded on a span.
const maxOutputBytes = 4096

// startHookSpan opens the root span for one hook execution. Hooks are
// fire-and-forget so there is no parent.
func startHookSpan(ctx context.Context, hookPath, event string, crash *types.CrashEntry) (context.Context, trace.Span) {
	tracer := otel.Tracer("github.com/fuzztriage/fuzztriage/hooks")
	return tracer.Start(ctx, "hook.exec",
		trace.WithAttributes(
			attribute.String("hook.event", event),
			attribute.String("hook.path", hookPath),
			attribute.Int64("ft.crash_id", crash.ID),
		),
	)
}

// addHookOutputEvents adds stdout/stderr from a hook execution as span events.
// Each buffer is only recorded if non-empty; output is truncated to maxOutputBytes.
func addHookOutputEvents(span trace.Span, stdout, stderr *bytes.Buffer) {
	if n := stdout.Len(); n > 0 {
		span.AddEvent("hook.stdout", trace.WithAttributes(
			attribute.String("output", truncateOutput(stdout.String())),
			attribute.Int("bytes", n),
		))
	}
	if n := stderr.Len(); n > 0 {
		span.AddEvent("hook.stderr", trace.WithAttributes(
			attribute.String("output", truncateOutput(stderr.String())),
			attribute.Int("bytes", n),
		))
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "... (" + strconv.Itoa(len(s)-maxOutputBytes) + " bytes truncated)"
}
