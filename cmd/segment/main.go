package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soumen02/lesion-segmentator/cmd/segment/app"
	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.NewSegmentCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		os.Exit(reportError(err))
	}
}

// reportError logs a fatal error once and returns the exit code for it.
func reportError(err error) int {
	logger.Error("Error [%s]: %v", api.CategoryOf(err), err)
	return api.ExitCode(err)
}
