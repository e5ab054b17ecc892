package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/latoulicious/Kiroku/internal/config"
	"github.com/latoulicious/Kiroku/pkg/capture"
	"github.com/latoulicious/Kiroku/pkg/database"
	"github.com/latoulicious/Kiroku/pkg/health"
	"github.com/latoulicious/Kiroku/pkg/mux"
	"github.com/latoulicious/Kiroku/pkg/notify"
	"github.com/latoulicious/Kiroku/pkg/replay"
)

// restartDelay paces session rebuilds after a fatal pipeline error.
const restartDelay = 2 * time.Second

// printfLogger adapts the structured logger to the Printf/Errorf surface
// used by the health and database packages.
type printfLogger struct {
	logger replay.Logger
}

func (l printfLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l printfLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// session bundles one capture run and its watchdog.
type session struct {
	pipeline *replay.ReplayPipeline
	monitor  *health.Monitor
	encoder  health.Leakable
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := replay.NewStructuredLogger(cfg.Replay.Logging)
	plainLog := printfLogger{logger: logger}

	// Open the clip index database
	db, err := database.NewDatabase(cfg.DatabaseConfig())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetLogger(plainLog)

	clips := database.NewClipRepository(db)

	metricsStore := database.NewMetricsBatchStore(db)
	if err := metricsStore.Start(); err != nil {
		log.Fatalf("Failed to start metrics store: %v", err)
	}
	defer metricsStore.Stop()

	retention := database.NewRetentionWorker(db, clips)
	retention.Start()
	defer retention.Stop()

	// Notifications go to Discord when a webhook is configured,
	// otherwise to the log.
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.WebhookURL != "" {
		discord, err := notify.NewDiscordNotifier(cfg.WebhookURL)
		if err != nil {
			log.Fatalf("Failed to create Discord notifier: %v", err)
		}
		notifier = discord
	}

	// SIGUSR1 saves the current window; SIGINT/SIGTERM shut down.
	saveSig := make(chan os.Signal, 1)
	signal.Notify(saveSig, syscall.SIGUSR1)
	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("kiroku daemon starting",
		replay.String("output_dir", cfg.OutputDir),
		replay.String("database", cfg.DatabasePath))

	for {
		sess, err := startSession(cfg, clips, notifier, logger, plainLog)
		if err != nil {
			log.Fatalf("Failed to start capture session: %v", err)
		}

		restart := runSession(cfg, sess, metricsStore, logger, saveSig, stopSig)
		if !restart {
			return
		}
		time.Sleep(restartDelay)
	}
}

// startSession builds a fresh pipeline with its own heartbeat registry and
// health monitor.
func startSession(cfg *config.Config, clips *database.ClipRepository, notifier notify.Notifier, logger replay.Logger, plainLog printfLogger) (*session, error) {
	heartbeats := health.NewRegistry()
	zombies := health.NewZombieRegistry()

	caps := replay.Capabilities{
		Source:     capture.NewSyntheticSource(1920, 1080),
		Converter:  capture.NewPassthroughConverter(),
		NewEncoder: capture.NewSoftwareEncoder,
		NewAudioSource: func(deviceCfg replay.AudioDeviceConfig) (replay.AudioDeviceCapture, error) {
			return capture.NewToneSource(replay.AudioFormat{SampleRate: 44100, Channels: 1}, 440), nil
		},
		NewAudioEncoder: capture.NewPCMChunkEncoder,
		Muxer:           mux.NewFileMuxer(),
		Notifier:        notifier,
		Clips:           clips,
		Heartbeats:      heartbeats,
		Zombies:         zombies,
	}

	pipeline, err := replay.NewReplayPipeline(cfg.Replay, caps, logger)
	if err != nil {
		return nil, err
	}

	workers := []health.WorkerID{replay.WorkerBufferLoop, replay.WorkerEncoderDrain}
	if cfg.Replay.AudioEnabled {
		workers = append(workers, replay.WorkerAudioMix)
	}
	monitor := health.NewMonitor(heartbeats, workers,
		func() bool { return pipeline.State() == replay.StateCapturing },
		health.DefaultMonitorConfig(), notifier, plainLog)
	monitor.SetZombieRegistry(zombies)

	if err := pipeline.Start(context.Background()); err != nil {
		return nil, err
	}
	monitor.Start()

	return &session{
		pipeline: pipeline,
		monitor:  monitor,
		encoder:  pipeline.AbandonEncoder(),
	}, nil
}

// runSession services signals until the session ends. It returns true when
// the supervisor should rebuild the session after a fatal pipeline error.
func runSession(cfg *config.Config, sess *session, metricsStore *database.MetricsBatchStore, logger replay.Logger, saveSig, stopSig chan os.Signal) bool {
	pipeline := sess.pipeline

	for {
		select {
		case <-saveSig:
			path := clipPath(cfg.OutputDir)
			result, err := pipeline.SaveAsync(path)
			if err != nil {
				logger.Warn("save request rejected", replay.Error(err))
				continue
			}
			go func() {
				saved := <-result
				if saved.Ok() && cfg.MetricsFlushOnSave {
					metricsStore.StoreSnapshot(pipeline.SessionID(), pipeline.Metrics().Snapshot())
				}
			}()

		case <-stopSig:
			logger.Info("shutting down")
			if err := pipeline.Stop(); err != nil {
				logger.Error("stop did not complete cleanly", replay.Error(err))
				// Detach and orphan: the cleanup worker marks the encoder
				// leaked if the loop never exits.
				sess.monitor.ScheduleCleanup(replay.WorkerBufferLoop, pipeline.Done(), sess.encoder)
			}
			// Stop waits for any scheduled cleanup to run its bounded wait.
			sess.monitor.Stop()
			metricsStore.StoreSnapshot(pipeline.SessionID(), pipeline.Metrics().Snapshot())
			return false

		case <-pipeline.Done():
			sess.monitor.Stop()
			metricsStore.StoreSnapshot(pipeline.SessionID(), pipeline.Metrics().Snapshot())
			if pipeline.State() != replay.StateError {
				logger.Info("capture session ended")
				return false
			}
			logger.Warn("capture session failed, rebuilding")
			if err := pipeline.MarkRecovering(); err != nil {
				logger.Error("failed to mark session recovering", replay.Error(err))
			}
			return true
		}
	}
}

func clipPath(outputDir string) string {
	name := fmt.Sprintf("replay-%s.krpl", time.Now().Format("20060102-150405"))
	return filepath.Join(outputDir, name)
}
