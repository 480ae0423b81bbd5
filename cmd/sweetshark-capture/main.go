// sweetshark-capture is the audio capture helper. It speaks
// newline-delimited JSON over stdin/stdout and ships PCM frames over a
// loopback TCP socket; stderr carries logs only.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/sweetshark/sweetshark/internal/capturehelper"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "sweetshark-capture",
		Level:  hclog.LevelFromString(os.Getenv("SWEETSHARK_CAPTURE_LOG_LEVEL")),
		Output: os.Stderr,
	})

	engine := capturehelper.EngineFromEnv()
	logger.Info("starting", "engine", engine.Name(), "supported", engine.Supported())

	server, err := capturehelper.NewServer(engine, os.Stdout, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := server.Run(context.Background(), os.Stdin); err != nil {
		logger.Error("read loop failed", "error", err)
		os.Exit(1)
	}
}
