package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/client/network"
	"github.com/bitrise-io/go-chunkupload/client/orchestrator"
	"github.com/bitrise-io/go-chunkupload/config"
	goanalytics "github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	modeSequential = "sequential"
	modeParallel   = "parallel"
	modeChunked    = "chunked"
)

func main() {
	mode := flag.String("mode", modeSequential, "upload mode: sequential, parallel or chunked")
	verify := flag.Bool("verify", false, "download every result and compare its SHA-256 with the source")
	message := flag.String("message", "", "message sent with sequential uploads")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-mode sequential|parallel|chunked] [-verify] <patterns...>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.NewLogger()
	if err := run(logger, *mode, *message, *verify, flag.Args()); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, mode, message string, verify bool, patterns []string) error {
	if len(patterns) == 0 {
		return errors.New("no file patterns given")
	}

	envRepo := env.NewRepository()
	cfg, err := config.LoadClient(envRepo)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.EnableDebugLog(cfg.Verbose)

	var tracker goanalytics.Tracker = analytics.NoopTracker{}
	if cfg.Analytics {
		tracker, err = analytics.NewDefaultClientTracker(envRepo, logger)
		if err != nil {
			logger.Warnf("Analytics disabled: %s", err)
			tracker = analytics.NoopTracker{}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := network.NewClient(cfg.APIURL, cfg.HTTPRetries, logger)
	o := orchestrator.New(client, cfg.Chunks, tracker, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker())
	defer o.Wait()

	last := map[int]int{}
	o.OnChange(func(state orchestrator.BatchState) {
		for i, item := range state.Items {
			if item.Status == orchestrator.Uploading && item.Progress/10 > last[i]/10 {
				logger.Printf("%s: %d%%", item.DisplayName, item.Progress)
			}
			last[i] = item.Progress
		}
	})

	count, err := o.SelectPaths(patterns...)
	if err != nil {
		return fmt.Errorf("select files: %w", err)
	}
	logger.Infof("Selected %d file(s)", count)

	var state orchestrator.BatchState
	switch mode {
	case modeSequential:
		state, err = o.UploadSequential(ctx, message)
	case modeParallel:
		state, err = o.UploadParallel(ctx)
	case modeChunked:
		state, err = o.UploadChunked(ctx)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, item := range state.Items {
		switch item.Status {
		case orchestrator.Done:
			logger.Donef("%s: %s", item.DisplayName, item.ResultURL)
		case orchestrator.Failed:
			failed++
			logger.Errorf("%s: %s", item.DisplayName, item.LastError)
		default:
			logger.Printf("%s: %s", item.DisplayName, item.Status)
		}
	}
	logger.Infof("%s", state.LastMessage)

	if verify {
		if err := verifyResults(ctx, client, state.Items, logger); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d upload(s) failed", failed)
	}

	return nil
}

func verifyResults(ctx context.Context, client *network.Client, items []orchestrator.SelectedItem, logger log.Logger) error {
	tmpDir, err := pathutil.NewPathProvider().CreateTempDir("uploadclient")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warnf("Failed to remove %s: %s", tmpDir, err)
		}
	}()

	mismatches := 0
	for i, item := range items {
		if item.Status != orchestrator.Done {
			continue
		}

		dest := filepath.Join(tmpDir, fmt.Sprintf("%d-%s", i, filepath.Base(item.DisplayName)))
		if err := client.Download(ctx, item.ResultURL, dest); err != nil {
			return fmt.Errorf("verify %s: %w", item.DisplayName, err)
		}

		want, err := sourceChecksum(item.Source)
		if err != nil {
			return fmt.Errorf("verify %s: %w", item.DisplayName, err)
		}
		got, err := fileChecksum(dest)
		if err != nil {
			return fmt.Errorf("verify %s: %w", item.DisplayName, err)
		}

		if want != got {
			mismatches++
			logger.Errorf("%s: checksum mismatch (local %s, server %s)", item.DisplayName, want, got)
			continue
		}
		logger.Donef("%s: verified %s", item.DisplayName, got)
	}

	if mismatches > 0 {
		return fmt.Errorf("%d result(s) differ from their source", mismatches)
	}
	return nil
}

func sourceChecksum(source chunkuploader.Source) (string, error) {
	r, err := source.Open()
	if err != nil {
		return "", err
	}
	defer r.Close() //nolint:errcheck

	return checksum(r)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	return checksum(f)
}

func checksum(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
