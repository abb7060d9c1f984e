// Package main is the entry point for gatectl.
package main

import "gatekeeper/internal/cli"

func main() {
	cli.Execute()
}
