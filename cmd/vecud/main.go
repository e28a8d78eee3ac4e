// Command vecud is the simulated ECU: it runs the ECU lifecycle state
// machine, serves DoIP/UDS diagnostics over TCP, and hot-swaps the
// cruise-control application module when a verified firmware image arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/veculab/vecu-doip/acceptor"
	"github.com/veculab/vecu-doip/ecuapp"
	"github.com/veculab/vecu-doip/els"
	"github.com/veculab/vecu-doip/internal/config"
	"github.com/veculab/vecu-doip/internal/vlog"
	"github.com/veculab/vecu-doip/pkvs"
	"github.com/veculab/vecu-doip/uds"
)

func main() {
	cfg := config.Default()
	fs := pflag.NewFlagSet("vecud", pflag.ExitOnError)
	config.BindFlags(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vecud: %v\n", err)
		os.Exit(2)
	}

	log := vlog.New(os.Stderr, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Errorf("vecud: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log vlog.Logger) error {
	store := pkvs.New(cfg.NVRAMPath)
	lifecycle := els.New()

	// BOOT resolves immediately: a loadable NVRAM file moves the ECU to
	// APPLICATION, a corrupt or unreadable one bricks it (spec.md §2).
	if err := store.Load(); err != nil {
		lifecycle.Store(els.Bricked)
		return fmt.Errorf("load nvram, ECU bricked: %w", err)
	}
	lifecycle.Store(els.Application)

	controller := ecuapp.NewPIController()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// swapped tells the main loop to drop the current controller, so the
	// first APPLICATION cycle after a hot-swap starts from a fresh one.
	swapped := make(chan struct{}, 1)
	install := applyUpdateFunc(cfg, lifecycle, log)

	dispatcher := &uds.Dispatcher{
		Store:      store,
		Lifecycle:  lifecycle,
		Log:        vlog.With(log, "component", "uds"),
		ScratchDir: cfg.ScratchDir,
		OnSwap: func(verifiedPath string) error {
			select {
			case swapped <- struct{}{}:
			default:
			}
			return install(verifiedPath)
		},
	}

	acc := acceptor.New(cfg.ListenAddr, dispatcher, vlog.With(log, "component", "acceptor"))

	acceptorErr := make(chan error, 1)
	go func() { acceptorErr <- acc.Run(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	log.Infof("vecud: started, state=%s", lifecycle.Load())

	for {
		select {
		case <-sig:
			log.Infof("vecud: signal received, shutting down")
			cancel()
			<-acceptorErr
			return nil
		case err := <-acceptorErr:
			return err
		case <-ticker.C:
			switch lifecycle.Load() {
			case els.Boot:
				// resolved synchronously before the loop starts; not expected here
			case els.Application:
				select {
				case <-swapped:
					controller = ecuapp.NewPIController()
				default:
				}
				if err := controller.Run(store, vlog.With(log, "component", "ecuapp")); err != nil {
					log.Errorf("vecud: application cycle: %v", err)
				}
			case els.UpdatePending:
				log.Debugf("vecud: update pending, application cycle paused")
			case els.Bricked:
				log.Errorf("vecud: ECU is bricked, exiting")
				cancel()
				<-acceptorErr
				return fmt.Errorf("ECU reached BRICKED state")
			}
		}
	}
}

// moduleFileName is the hot-swap target filename, mirroring the platform
// suffixes original_source's dlopen-based loader would look for.
func moduleFileName(base string) string {
	switch runtime.GOOS {
	case "darwin":
		return base + ".dylib"
	case "windows":
		return base + ".dll"
	default:
		return base + ".so"
	}
}

// resolveModuleTarget turns the configured module base path into the fixed
// on-disk artifact name spec.md §6 mandates: if the configured path already
// names a file with an extension, it's used as-is (an operator overriding
// --module-path explicitly wants that exact path); otherwise the
// runtime.GOOS-appropriate suffix is appended.
func resolveModuleTarget(modulePath string) string {
	if filepath.Ext(modulePath) != "" {
		return modulePath
	}
	return moduleFileName(modulePath)
}

// applyUpdate installs a verified firmware image at modulePath's resolved
// target and returns the lifecycle to APPLICATION, also when the rename
// fails (the error is then returned for the caller to log). It is a plain
// function (rather than only existing inside a closure) so it can be
// exercised directly against a temp directory in tests.
func applyUpdate(verifiedPath, modulePath string, lifecycle *els.Machine, log vlog.Logger) error {
	target := resolveModuleTarget(modulePath)

	if err := os.Rename(verifiedPath, target); err != nil {
		lifecycle.Store(els.Application)
		return fmt.Errorf("install verified module: %w", err)
	}

	lifecycle.Store(els.Application)
	log.Infof("vecud: applied update, module=%s, state=%s", target, lifecycle.Load())
	return nil
}

// applyUpdateFunc returns the uds.OnIntegrityOK callback cmd/vecud wires
// into the Dispatcher: on a verified firmware image it atomically replaces
// the application module artifact and returns the lifecycle to APPLICATION.
func applyUpdateFunc(cfg config.Config, lifecycle *els.Machine, log vlog.Logger) uds.OnIntegrityOK {
	return func(verifiedPath string) error {
		return applyUpdate(verifiedPath, cfg.ModulePath, lifecycle, log)
	}
}
