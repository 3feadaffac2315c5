//go:build release

package contract

import "github.com/lanikai/alohacdm/internal/logging"

// Fatal reports whether violations panic.
const Fatal = false

func fail(msg string) {
	log.Log(logging.Error, 2, "contract violation: %s", msg)
}
