// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flow loads simulation data files into pipelines, evaluates them
// and exports the results, either once from the command line or as an
// HTTP service (flow serve).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	// exitFrames reports that at least one evaluated frame failed.
	exitFrames = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	a := newApp(os.Stdout, os.Stderr)
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	executed, err := cmd.ExecuteContextC(ctx)
	a.close()
	if err == nil {
		return exitOK
	}
	a.printer().Error("flow "+executed.Name(), err)
	var ff frameFailures
	if errors.As(err, &ff) {
		return exitFrames
	}
	return exitError
}
