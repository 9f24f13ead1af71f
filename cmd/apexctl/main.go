// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// apexctl talks to a running apexd over its Unix control socket:
// activate, deactivate, stage, list active packages, trigger a
// directory scan, watch daemon readiness, and inspect staged
// sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/apexdaemon/apexd/internal/ipc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "apexctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "activate":
		return runActivate(args)
	case "deactivate":
		return runDeactivate(args)
	case "stage":
		return runStage(args)
	case "list":
		return runList(args)
	case "scan":
		return runScan(args)
	case "status":
		return runStatus(args)
	case "sessions":
		return runSessions(args)
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: apexctl <command> [flags]

commands:
  activate <path>       activate the package at path
  deactivate <path>     deactivate the non-latest package at path
  stage <path> [path...] verify and stage one or more packages
  list                  list currently active packages
  scan <dir>            activate every package found under dir
  status [--wait]       report the daemon's readiness state
  sessions              list staged sessions
`)
}

func socketFlag(fs *pflag.FlagSet) *string {
	return fs.String("socket", "/run/apexd/apexd.sock", "path to the apexd control socket")
}

func runActivate(args []string) error {
	fs := pflag.NewFlagSet("activate", pflag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: apexctl activate <path>")
	}

	var result struct {
		Name         string `cbor:"name"`
		Version      uint64 `cbor:"version"`
		AliasUpdated bool   `cbor:"aliasUpdated"`
	}
	client := ipc.NewClient(*socket)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Call(ctx, "activatePackage", map[string]any{"path": fs.Arg(0)}, &result); err != nil {
		return err
	}
	fmt.Printf("activated %s@%d (alias updated: %v)\n", result.Name, result.Version, result.AliasUpdated)
	return nil
}

func runDeactivate(args []string) error {
	fs := pflag.NewFlagSet("deactivate", pflag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: apexctl deactivate <path>")
	}
	client := ipc.NewClient(*socket)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Call(ctx, "deactivatePackage", map[string]any{"path": fs.Arg(0)}, nil); err != nil {
		return err
	}
	fmt.Println("deactivated", fs.Arg(0))
	return nil
}

func runStage(args []string) error {
	fs := pflag.NewFlagSet("stage", pflag.ContinueOnError)
	socket := socketFlag(fs)
	linkMode := fs.Bool("link", false, "hardlink instead of moving the source files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: apexctl stage <path> [path...]")
	}

	var result []struct {
		Name    string `cbor:"name"`
		Version uint64 `cbor:"version"`
	}
	client := ipc.NewClient(*socket)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	action := "stagePackage"
	fields := map[string]any{"path": fs.Args()[0], "linkMode": *linkMode}
	if fs.NArg() > 1 {
		action = "stagePackages"
		fields = map[string]any{"paths": fs.Args(), "linkMode": *linkMode}
	}
	if err := client.Call(ctx, action, fields, &result); err != nil {
		return err
	}
	for _, pkg := range result {
		fmt.Printf("staged %s@%d\n", pkg.Name, pkg.Version)
	}
	return nil
}

func runList(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var result []struct {
		Name    string `cbor:"name"`
		Version uint64 `cbor:"version"`
	}
	client := ipc.NewClient(*socket)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Call(ctx, "getActivePackages", nil, &result); err != nil {
		return err
	}
	for _, pkg := range result {
		fmt.Printf("%s@%d\n", pkg.Name, pkg.Version)
	}
	return nil
}

func runScan(args []string) error {
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: apexctl scan <dir>")
	}

	var result struct {
		Errors []string `cbor:"errors"`
	}
	client := ipc.NewClient(*socket)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := client.Call(ctx, "scanAndActivate", map[string]any{"dir": fs.Arg(0)}, &result); err != nil {
		return err
	}
	for _, e := range result.Errors {
		fmt.Fprintln(os.Stderr, "warning:", e)
	}
	fmt.Println("scan complete")
	return nil
}

func runStatus(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	socket := socketFlag(fs)
	wait := fs.Bool("wait", false, "block until the daemon reports ready")
	timeout := fs.Duration("timeout", 30*time.Second, "how long --wait may block")
	if err := fs.Parse(args); err != nil {
		return err
	}

	callTimeout := 5 * time.Second
	if *wait {
		callTimeout = *timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	client := ipc.NewClient(*socket)
	var readyState struct {
		State string `cbor:"state"`
	}
	if err := client.Call(ctx, "getReadyState", map[string]any{"wait": *wait}, &readyState); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", *socket, err)
	}

	var active []struct {
		Name    string `cbor:"name"`
		Version uint64 `cbor:"version"`
	}
	if err := client.Call(ctx, "getActivePackages", nil, &active); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", *socket, err)
	}
	fmt.Printf("apexd is %s, %d active packages\n", readyState.State, len(active))
	return nil
}

func runSessions(args []string) error {
	fs := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	socket := socketFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var result []struct {
		ID       int      `cbor:"id"`
		State    string   `cbor:"state"`
		Packages []string `cbor:"packages"`
	}
	client := ipc.NewClient(*socket)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Call(ctx, "getSessions", nil, &result); err != nil {
		return err
	}
	for _, s := range result {
		fmt.Printf("session %d [%s] %v\n", s.ID, s.State, s.Packages)
	}
	return nil
}
