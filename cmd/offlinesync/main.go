// Package main provides the offlinesync command: the sync daemon with its
// local admin API, a reference sync server, and client commands that
// inspect a running daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}
