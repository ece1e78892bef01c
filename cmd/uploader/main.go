// Command uploader pushes a local file to a VodForge server in resumable
// chunks. Ctrl+C pauses between chunks; the transfer can then be resumed from
// the first unconfirmed chunk or abandoned.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/uploader"
)

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*kv))
	for key, value := range *kv {
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid format %q, expected key=value", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("metadata key is required")
	}
	if *kv == nil {
		*kv = make(map[string]string)
	}
	(*kv)[key] = strings.TrimSpace(parts[1])
	return nil
}

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8080", "base URL of the VodForge API server")
	chunkSize := flag.Int64("chunk-size", 0, "chunk size in bytes (default 10 MiB)")
	timeout := flag.Duration("timeout", 0, "per-request timeout")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	var metadata keyValueFlag
	flag.Var(&metadata, "metadata", "metadata attached to the session (key=value, repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	filePath := flag.Arg(0)

	logger := logging.New(logging.Config{Level: *logLevel, Writer: os.Stderr, Format: "text"})
	client := uploader.NewClient(*serverURL, *timeout)
	ctrl := uploader.NewController(client, *chunkSize, logger)

	meta := make(map[string]any, len(metadata))
	for key, value := range metadata {
		meta[key] = value
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Start(ctx, filePath, meta)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printProgress(ctrl.Progress())
		case <-quit:
			// The in-flight chunk finishes; the loop parks before the next one.
			ctrl.Interrupt()
		case err := <-done:
			progress := ctrl.Progress()
			printProgress(progress)
			fmt.Fprintln(os.Stderr)
			switch {
			case err != nil:
				fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
				os.Exit(1)
			case progress.State == uploader.StateCompleted:
				fmt.Fprintf(os.Stderr, "upload %d completed (%d bytes)\n", progress.UploadID, progress.TotalBytes)
				return
			case progress.State == uploader.StatePaused:
				if !promptResume(quit) {
					fmt.Fprintf(os.Stderr, "upload %d left paused at chunk %d/%d\n",
						progress.UploadID, progress.UploadedChunks, progress.TotalChunks)
					return
				}
				go func() {
					done <- ctrl.Resume(ctx)
				}()
			default:
				fmt.Fprintf(os.Stderr, "upload stopped in state %q\n", progress.State)
				return
			}
		}
	}
}

// promptResume blocks until the user picks resume (Enter) or exit (Ctrl+C).
func promptResume(quit <-chan os.Signal) bool {
	fmt.Fprint(os.Stderr, "\npaused - press Enter to resume, Ctrl+C to exit: ")
	enter := make(chan struct{})
	go func() {
		reader := bufio.NewReader(os.Stdin)
		if _, err := reader.ReadString('\n'); err == nil {
			close(enter)
		}
	}()
	select {
	case <-enter:
		return true
	case <-quit:
		return false
	}
}

func printProgress(p uploader.Progress) {
	fmt.Fprintf(os.Stderr, "\r%-12s chunk %d/%d  %6.2f%% (%d/%d bytes)",
		p.State, p.UploadedChunks, p.TotalChunks, p.Percent, p.UploadedBytes, p.TotalBytes)
}
