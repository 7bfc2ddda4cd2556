package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"riskwatch/internal/config"
	"riskwatch/internal/credentials"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RISKWATCH_CONFIG"), "path to a YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config path] [set-key NAME | delete-key NAME]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 0 {
		if err := runKeyCommand(flag.Args()); err != nil {
			log.Fatalf("ERROR: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg)
	if err := app.startup(ctx); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.serve() }()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Printf("ERROR: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(shutdownCtx)
}

// runKeyCommand manages provider API keys in the system keychain. The key
// value for set-key is read from stdin so it never lands in shell history.
func runKeyCommand(args []string) error {
	if len(args) != 2 {
		flag.Usage()
		return fmt.Errorf("expected a command and a key name")
	}
	command, name := args[0], args[1]

	switch command {
	case "set-key":
		fmt.Fprintf(os.Stderr, "Enter value for %s: ", name)
		value, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && value == "" {
			return fmt.Errorf("failed to read key value: %w", err)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return fmt.Errorf("key value must not be empty")
		}
		if err := credentials.StoreAPIKey(name, value); err != nil {
			return err
		}
		log.Printf("Stored %s in the system keychain", name)
	case "delete-key":
		if !credentials.IsKeyStored(name) {
			log.Printf("No keychain entry for %s", name)
			return nil
		}
		if err := credentials.DeleteAPIKey(name); err != nil {
			return err
		}
		log.Printf("Deleted %s from the system keychain", name)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}
