package index

import (
	"io"

	"github.com/tomrsae/ronion/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LogConfig{Level: "error", Output: io.Discard}, "index-test")
}
