// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/notlesh/loki-network/config"
	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/router"
)

func main() {
	genRouter := flag.Bool("router", false, "Generate a default relay config and exit.")
	genClient := flag.Bool("client", false, "Generate a default client config and exit.")
	flag.Parse()

	cfgFile := "lokinet.ini"
	if flag.NArg() > 0 {
		cfgFile = flag.Arg(0)
	}

	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	if *genRouter || *genClient {
		dataDir, err := os.Getwd()
		if err == nil {
			dataDir = filepath.Join(dataDir, "lokinet-data")
			err = config.EnsureDataDir(dataDir)
		}
		if err == nil {
			err = config.Default(*genRouter, dataDir).Save(cfgFile)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config '%v': %v\n", cfgFile, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %v\n", cfgFile)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", cfgFile, err)
		os.Exit(1)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	r, err := router.New(cfg, crypto.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to spawn router instance: %v\n", err)
		os.Exit(1)
	}
	defer r.Shutdown()

	// Halt the router gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		r.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			r.RotateLog()
		}
	}()

	// Wait for the router to explode or be terminated.
	r.Wait()
}
