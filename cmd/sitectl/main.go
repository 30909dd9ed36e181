// Command sitectl is the operator CLI for the WordPress sign-in bridge.
package main

import (
	"context"
	"os"
	"time"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], defaultEnv(os.Stdout, os.Stderr)))
}

func run(args []string, env *cliEnv) int {
	cmd := newRootCmd(env)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return exitCode(err)
	}
	return ExitCodeSuccess
}

func contextWithShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
