package optimize

import (
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/signature"
)

// SetFit replaces the fitting step so tests can force specific proposals.
func SetFit(o *Optimizer, fit func(sig *signature.Signature, ci *crashinfo.CrashInfo) *signature.Signature) {
	o.fit = fit
}
