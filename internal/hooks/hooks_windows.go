//go:build windows

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"go.opentelemetry.io/otel/codes"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

// runHook executes the hook and enforces a timeout on Windows.
// Windows lacks Unix-style process groups; on timeout we best-effort kill
// the started process. Descendants that detach may survive.
func (r *Runner) runHook(hookPath, event string, crash *types.CrashEntry) (retErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ctx, span := startHookSpan(ctx, hookPath, event, crash)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	crashJSON, err := json.Marshal(crash)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, hookPath, strconv.FormatInt(crash.ID, 10), event)
	cmd.Stdin = bytes.NewReader(crashJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		addHookOutputEvents(span, &stdout, &stderr)
		return ctx.Err()
	case err := <-done:
		addHookOutputEvents(span, &stdout, &stderr)
		return err
	}
}
