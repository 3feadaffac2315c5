//go:build !release

package contract

import "github.com/lanikai/alohacdm/internal/logging"

// Fatal reports whether violations panic.
const Fatal = true

func fail(msg string) {
	log.Log(logging.Error, 2, "%s", msg)
	panic(Violation{msg})
}
