package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"testscribe/internal/adapter/dom"
	"testscribe/internal/infra/logger"
)

// runExtract renders a page in a headless browser and writes its DOM
// extraction document, ready to be attached in a chat.
func runExtract(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Args) != 1 {
		return errors.New("usage: testscribe extract <url> [--selector CSS] [--out FILE]")
	}
	pageURL := flags.Args[0]

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	data, err := dom.NewExtractor(cfg.Browser, log).Extract(ctx, pageURL, flags.Selector)
	if err != nil {
		return err
	}

	out := flags.Out
	if out == "" {
		out = dom.FileName(pageURL)
	}
	if out == "-" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("wrote %s (%d bytes)\nattach it in chat with: /attach %s\n", out, len(data), out)
	return nil
}
