package backup

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCleanupAttempts bounds how often removal of a transient path is tried.
const DefaultCleanupAttempts = 5

// DefaultCleanupDelay is the pause between removal attempts.
const DefaultCleanupDelay = 200 * time.Millisecond

// removeWithRetry removes path and everything below it, retrying a fixed
// number of times while the filesystem releases handles. It gives up after
// the last attempt and returns the final error.
func removeWithRetry(path string, attempts int, delay time.Duration, logger zerolog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = os.RemoveAll(path)
		if err == nil {
			return nil
		}
		logger.Debug().
			Err(err).
			Str("path", path).
			Int("attempt", attempt).
			Msg("remove failed, retrying")
		if attempt < attempts {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("remove %s after %d attempts: %w", path, attempts, err)
}
