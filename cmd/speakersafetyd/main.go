// Command speakersafetyd is the userspace safety supervisor for
// V/ISENSE-equipped "smart amp" loudspeakers: it watches sense-current
// thermal state and attenuates gain before any voice coil or magnet
// can exceed its rated limit, mirroring the driver-side protection
// vendors normally bundle into proprietary blobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/linuxaudio/speakersafetyd/internal/alsactl"
	"github.com/linuxaudio/speakersafetyd/internal/blackbox"
	"github.com/linuxaudio/speakersafetyd/internal/capture"
	"github.com/linuxaudio/speakersafetyd/internal/config"
	"github.com/linuxaudio/speakersafetyd/internal/interlock"
	"github.com/linuxaudio/speakersafetyd/internal/machineid"
	"github.com/linuxaudio/speakersafetyd/internal/mixer"
	"github.com/linuxaudio/speakersafetyd/internal/sched"
	"github.com/linuxaudio/speakersafetyd/internal/supervisor"
	"github.com/linuxaudio/speakersafetyd/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/speakersafetyd.conf", "path to the INI configuration file")
	blackboxDir := flag.String("blackbox", "/var/lib/speakersafetyd/blackbox", "blackbox state directory (empty disables recording)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics and /status on (empty disables)")
	maxReduction := flag.String("max-reduction", "", "debug: fault if any post-nominal gain reduction exceeds this many dB")
	cardFlag := flag.String("card", "", "ALSA card token, e.g. hw:0 (auto-derived from device tree if unset)")
	flag.Parse()

	sessionID := uuid.NewString()
	logger := newLogger(*verbose).With("session_id", sessionID)
	slog.SetDefault(logger)

	logger.Info("speakersafetyd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	var maxRedDB *float64
	if *maxReduction != "" {
		v, err := strconv.ParseFloat(*maxReduction, 64)
		if err != nil {
			logger.Error("invalid --max-reduction", "error", err)
			return 1
		}
		maxRedDB = &v
	}

	if err := sched.SetUclampMax(cfg.Globals.UclampMax); err != nil {
		logger.Warn("failed to set uclamp_max, continuing without CPU frequency clamp", "error", err)
	}

	coldBoot := supervisor.DetectBootMode(supervisor.DefaultFlagPath, logger)

	cardName := *cardFlag
	if cardName == "" {
		if hint, ok := machineid.CardHint(); ok {
			cardName = "hw:" + hint
			logger.Info("derived ALSA card from device tree", "card", cardName)
		} else {
			cardName = "hw:0"
		}
	}

	card, err := alsactl.OpenCard(cardName)
	if err != nil {
		logger.Error("failed to open ALSA card", "card", cardName, "error", err)
		return 1
	}
	defer card.Close()

	surface, err := mixer.New(card, map[string]string{
		mixer.RoleVSense:  cfg.Controls.VSense,
		mixer.RoleISense:  cfg.Controls.ISense,
		mixer.RoleAmpGain: cfg.Controls.AmpGain,
		mixer.RoleVolume:  cfg.Controls.Volume,
	}, cfg.Globals.LinkGains)
	if err != nil {
		logger.Error("failed to resolve mixer controls", "error", err)
		return 1
	}

	lock, err := interlock.Open(card, cfg.Controls.Interlock)
	if err != nil {
		logger.Error("failed to resolve interlock control", "element", cfg.Controls.Interlock, "error", err)
		return 1
	}

	device := fmt.Sprintf("%s,%d", cardName, cfg.Globals.VisensePCM)
	pipeline, err := capture.Open(device, cfg.Globals.Channels, cfg.Globals.Period)
	if err != nil {
		logger.Error("failed to open sense capture device", "device", device, "error", err)
		return 1
	}

	var recorder *blackbox.Recorder
	if *blackboxDir != "" {
		recorder, err = blackbox.New(*blackboxDir, cardName, blackbox.Globals{
			TAmbient:    cfg.Globals.TAmbient,
			THysteresis: cfg.Globals.THysteresis,
			Channels:    cfg.Globals.Channels,
		})
		if err != nil {
			logger.Warn("failed to initialise blackbox recorder, continuing without it", "error", err)
			recorder = nil
		}
	}

	// supRef lets the telemetry server's status closure reach the
	// supervisor without a construction-order cycle: the server needs a
	// StatusFunc before the supervisor exists, and the supervisor needs
	// the server's Metrics before it exists.
	var supRef *supervisor.Supervisor
	var metrics *telemetry.Metrics
	var telemetryServer *telemetry.Server

	if *metricsAddr != "" {
		telemetryServer, metrics, err = telemetry.NewServer(*metricsAddr, func() telemetry.StatusSnapshot {
			if supRef == nil {
				return telemetry.StatusSnapshot{SessionID: sessionID}
			}
			return supRef.Status(sessionID)
		})
		if err != nil {
			logger.Warn("failed to initialise telemetry server, continuing without it", "error", err)
			telemetryServer = nil
			metrics = nil
		}
	}

	sup := supervisor.New(supervisor.Options{
		Config:    cfg,
		Pipeline:  pipeline,
		Surface:   surface,
		Interlock: lock,
		Recorder:  recorder,
		Metrics:   metrics,
		Log:       logger,
		ColdBoot:  coldBoot,
		MaxRedDB:  maxRedDB,
	})
	supRef = sup

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGQUIT skips graceful drain, matching the original daemon's
	// fast-panic path: the kernel's own safe-mode timeout is a shorter
	// backstop than waiting for a full drain to complete.
	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGQUIT)
	go func() {
		<-quitCh
		logger.Warn("SIGQUIT received, exiting immediately without graceful drain")
		os.Exit(2)
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sup.Run(gctx)
	})
	if telemetryServer != nil {
		// Run outside the errgroup: telemetry is not safety-critical, so a
		// bind or listener failure must log and stop on its own rather than
		// cancelling gctx and tearing down sup.Run with it.
		go func() {
			if err := telemetryServer.Serve(gctx); err != nil {
				logger.Warn("telemetry server stopped", "error", err)
			}
		}()
	}

	logger.Info("speakersafetyd ready", "card", cardName, "channels", cfg.Globals.Channels)

	// Run returns nil on a clean ctx-cancellation shutdown, so a non-nil
	// error here always means a genuine fatal fault in Run, not an
	// ordinary SIGINT/SIGTERM drain. The telemetry server is not in the
	// group; its errors are only logged above.
	if err := group.Wait(); err != nil {
		logger.Error("fatal error, exiting", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
