// Package contract reports caller bugs: registering a second callback,
// closing a descrambling session that was never opened, asking a system
// session to decrypt. Such violations stop execution in the default build.
// Built with the "release" tag they are logged and the offending call
// becomes a no-op.
package contract

import (
	"fmt"

	"github.com/lanikai/alohacdm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("contract")

// Violation is the panic value raised for a broken contract in debug builds.
type Violation struct {
	Msg string
}

func (v Violation) Error() string {
	return "contract violation: " + v.Msg
}

// Require reports a violation unless cond holds. It returns cond so that
// release builds can bail out of the offending call:
//
//	if !contract.Require(cb != nil, "...") {
//		return
//	}
func Require(cond bool, format string, a ...interface{}) bool {
	if !cond {
		fail(fmt.Sprintf(format, a...))
	}
	return cond
}

// Fail unconditionally reports a violation.
func Fail(format string, a ...interface{}) {
	fail(fmt.Sprintf(format, a...))
}
