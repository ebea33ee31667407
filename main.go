package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"deepresearch/internal/commands"
	"deepresearch/internal/core"
)

// exitTempFail tells scripts the request can be retried later.
const exitTempFail = 75

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "error:", err)
	if core.IsRetryable(err) {
		os.Exit(exitTempFail)
	}
	os.Exit(1)
}
