package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/riverfog7/StarwardUpdater/internal"
)

var sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// consoleProgress prints progress snapshots on a single terminal line
type consoleProgress struct {
	startTime     time.Time
	cancelMessage atomic.Value
}

func newConsoleProgress() *consoleProgress {
	c := &consoleProgress{startTime: time.Now()}
	c.cancelMessage.Store("[\"C\"] Stop")
	return c
}

func (c *consoleProgress) Send(p *internal.UpdateProgress) error {
	elapsed := time.Since(c.startTime).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(p.DownloadedBytes) / elapsed
	}

	fmt.Printf("\r%s | %v | %d/%d files | %s/%s (%s/s)    ",
		c.cancelMessage.Load(),
		p.State,
		p.DownloadedFiles, p.TotalFiles,
		summarizeSizeSimple(float64(p.DownloadedBytes)),
		summarizeSizeSimple(float64(p.TotalBytes)),
		summarizeSizeSimple(speed),
	)
	if p.State.IsTerminal() {
		fmt.Println()
		if p.ErrorMessage != "" {
			fmt.Println(p.ErrorMessage)
		}
	}
	return nil
}

func UpdateCommand(cfg *internal.Config, logger *internal.Logger, cmd *UpdateCmd) int {
	if cmd.CurrentVersion != "" && !cmd.Force && !internal.IsNewerVersion(cmd.CurrentVersion, cmd.Version) {
		fmt.Printf("Version %s is not newer than %s, nothing to do (use --force to update anyway)\n", cmd.Version, cmd.CurrentVersion)
		return 0
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := cfg.NewHTTPClient()
	defer client.CloseIdleConnections()

	controller := newUpdateController(cfg, client, logger)
	releases := controller.Releases

	progress := newConsoleProgress()
	go appExitKeyTrigger(ctx, cancel, progress)

	var err error
	if cmd.Manifest != "" {
		var manifest *internal.ReleaseManifest
		manifest, err = releases.LoadReleaseManifest(ctx, cmd.Manifest)
		if err == nil {
			err = controller.Run(ctx, manifest, cmd.TargetPath, progress)
		}
	} else {
		err = controller.Update(ctx, &internal.UpdateRequest{
			Version:        cmd.Version,
			CurrentVersion: cmd.CurrentVersion,
			Architecture:   cmd.Arch,
			InstallType:    cmd.InstallType,
			TargetPath:     cmd.TargetPath,
		}, progress)
	}

	switch {
	case err == nil:
		fmt.Println("Update completed!")
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Println("Update cancelled")
		return 130
	case internal.IsNotSupported(err):
		fmt.Fprintf(os.Stderr, "No build for %s-%s in version %s\n", cmd.Arch, cmd.InstallType, cmd.Version)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "Update failed: %v\n", err)
		return 1
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func appExitKeyTrigger(ctx context.Context, cancel context.CancelFunc, progress *consoleProgress) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			var b [1]byte
			_, err := os.Stdin.Read(b[:])
			if err != nil {
				return
			}

			switch b[0] {
			case 'C', 'c':
				progress.cancelMessage.Store("Cancelling update...")
				cancel()
				return
			}
		}
	}
}

func summarizeSizeSimple(value float64, decimalPlaces ...int) string {
	if value == 0 {
		return "0 B"
	}

	dp := 2
	if len(decimalPlaces) > 0 {
		dp = decimalPlaces[0]
	}

	// Calculate magnitude
	mag := 0
	for value >= 1024 && mag < len(sizeSuffixes)-1 {
		value /= 1024
		mag++
	}

	// Format with specified decimal places
	return fmt.Sprintf("%."+strconv.Itoa(dp)+"f %s", value, sizeSuffixes[mag])
}
