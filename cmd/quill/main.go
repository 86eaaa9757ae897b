// Package main provides the CLI entry point for the quill assistant
// runtime.
//
// Basic usage:
//
//	quill chat "rename the report and email me a summary"
//	quill chat --stream --conversation 2f1c... "now attach the summary"
//	quill status
//	quill health
//	quill memory search "vacation plans"
//	quill retrospects 2026-08-01
//
// Configuration is read from quill.yaml (override with --config or
// QUILL_CONFIG). API keys are usually provided via ${ENV} references in the
// config file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
