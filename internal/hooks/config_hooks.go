package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// RunConfigHooks executes the shell commands configured under
// hooks.on_<event> in config.yaml. Commands receive the crash through
// environment variables:
//   - FT_EVENT: ingest, bucket or unbucket
//   - FT_CRASH_ID: crash entry id
//   - FT_BUCKET_ID: bucket id, empty when unbucketed
//   - FT_TOOL_ID: tool id
//   - FT_SHORT_SIGNATURE: one-line crash summary
//
// Every hook runs even if an earlier one fails; the failures are returned
// together. Callers treat them as warnings.
func RunConfigHooks(ctx context.Context, event string, crash *types.CrashEntry) error {
	hookName := eventToHook(event)
	if hookName == "" {
		return nil
	}
	hooks := config.GetHookCommands(hookName)
	if len(hooks) == 0 {
		return nil
	}

	bucket := ""
	if crash.BucketID != nil {
		bucket = strconv.FormatInt(*crash.BucketID, 10)
	}
	env := append(os.Environ(),
		"FT_EVENT="+event,
		"FT_CRASH_ID="+strconv.FormatInt(crash.ID, 10),
		"FT_BUCKET_ID="+bucket,
		"FT_TOOL_ID="+strconv.FormatInt(crash.ToolID, 10),
		"FT_SHORT_SIGNATURE="+crash.ShortSignature,
	)

	var result *multierror.Error
	for _, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, config.HookTimeout())

		// #nosec G204 -- command comes from user's config file
		cmd := exec.CommandContext(hookCtx, "sh", "-c", hook.Command)
		cmd.Env = env
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr

		err := cmd.Run()
		cancel()

		if err != nil {
			name := hook.Name
			if name == "" {
				name = hook.Command
			}
			result = multierror.Append(result, fmt.Errorf("%s hook %q: %w", hookName, name, err))
		}
	}
	return result.ErrorOrNil()
}
