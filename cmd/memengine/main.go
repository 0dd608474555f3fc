package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/internal/admin"
	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/maintenance"
	"github.com/xiy/memory-engine/internal/mcp"
	"github.com/xiy/memory-engine/pkg/types"
)

const version = "0.1.0"

const defaultConfigPath = "config/memengine.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "maintain":
		err = runMaintain(os.Args[2:])
	case "admin":
		err = runAdmin(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("memengine v" + version)
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.cfg.Maintenance.Enabled {
		interval := time.Duration(rt.cfg.Maintenance.IntervalSeconds) * time.Second
		go maintenance.Start(ctx, rt.logger, interval, rt.store, rt.engine, rt.cfg.Maintenance.Workers)
	}

	server := mcp.NewServer(rt.engine, rt.cfg.ServerName, version, rt.logger, rt.store)
	rt.logger.Info("starting MCP stdio server", "db", rt.cfg.DBPath, "dimensions", rt.cfg.Embedding.Dimensions)
	err = server.Serve(ctx, os.Stdin, os.Stdout)
	snap := server.Snapshot()
	rt.logger.Info("MCP server stopped", "requests", snap["requests"], "errors", snap["errors"],
		"cached_embeddings", rt.embed.CacheLen())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runMaintain(args []string) error {
	fs := flag.NewFlagSet("maintain", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	user := fs.String("user", "", "Only maintain this user (default: every user)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	var res maintenance.Result
	if *user != "" {
		decay, err := rt.engine.Decay(ctx, *user)
		if err != nil {
			return err
		}
		compress, err := rt.engine.Compress(ctx, *user)
		if err != nil {
			return err
		}
		res = maintenance.Result{Decay: []types.BatchReport{decay}, Compress: []types.CompressReport{compress}}
	} else {
		workers := rt.cfg.Maintenance.Workers
		if res, err = maintenance.RunOnce(ctx, rt.logger, rt.store, rt.engine, workers); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The dashboard owns the terminal, so logs are kept to errors.
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: cfg.ServerName, Level: log.ErrorLevel})
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return admin.Run(ctx, st)
}

func usage() {
	fmt.Print(`memengine

Usage:
  memengine serve [--config path]
  memengine maintain [--config path] [--user id]
  memengine admin [--config path]
  memengine version
`)
}
