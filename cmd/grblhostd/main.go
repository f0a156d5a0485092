// Command grblhostd wires together one Controller, its sequencers, the
// JobRunner and the RecoverySupervisor for a single GRBL board, then either
// runs a G-code file to completion or idles while the RecoverySupervisor and
// status events are observed on the log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/config"
	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/job"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/recovery"
	"github.com/cncforge/grblhost/internal/sequencer"
	"github.com/cncforge/grblhost/internal/transport"
	"github.com/cncforge/grblhost/internal/types"
)

func main() {
	_ = godotenv.Load(".env")

	prefix := flag.String("prefix", "GRBL", "environment variable prefix for configuration")
	gcodeFile := flag.String("file", "", "G-code file to load and run; if empty, the daemon idles")
	homeOnStart := flag.Bool("home", false, "run the homing sequence before streaming a job")
	mock := flag.Bool("mock", false, "use an in-memory mock transport instead of a serial port")
	flag.Parse()

	log := logging.New(os.Stderr, "grblhostd")
	cfg := config.Load(*prefix)

	b := bus.New(log.With("bus"))
	tr := buildTransport(cfg, log, *mock)
	ctrl := controller.New(tr, b, cfg.SoftLimits, cfg.SpeedLimits, log.With("controller"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("grblhostd: signal received, shutting down")
		cancel()
	}()

	if err := ctrl.Connect(ctx); err != nil {
		log.Error("grblhostd: failed to connect", err, "path", cfg.Transport.Path)
		os.Exit(1)
	}
	defer ctrl.Disconnect()
	ctrl.StartStatusPolling(0)

	store, err := job.NewFileStorage(cfg.StateDir)
	if err != nil {
		log.Error("grblhostd: failed to open job state directory", err, "dir", cfg.StateDir)
		os.Exit(1)
	}
	runner := job.New(ctrl, store, log.With("job"), nil)

	homer := sequencer.NewHomingSequencer(ctrl, log.With("homing"))
	jogger := sequencer.NewJoggingSequencer(ctrl, log.With("jog"))
	prober := sequencer.NewProbingSequencer(ctrl, log.With("probe"))
	ctrl.WireHoming(homer.Home)
	ctrl.WireJog(jogger.Jog)
	ctrl.WireProbe(prober.Probe)
	ctrl.WireProbeGrid(prober.GridProbe)
	ctrl.WireJobRunner(func(ctx context.Context, name, source string, opts types.JobOptions) (*types.Job, error) {
		j, err := runner.LoadJob(name, source, opts)
		if err != nil {
			return nil, err
		}
		if err := runner.StartJob(ctx, j.ID); err != nil {
			return nil, err
		}
		return j, nil
	}, runner.StopJob)

	sup := recovery.New(ctrl, log.With("recovery"), nil)
	sup.SetAcknowledger(func(ctx context.Context, step types.RecoveryStep) bool {
		log.Warn("grblhostd: recovery step requires confirmation, declining unattended", "step", step.ID)
		return false
	})
	sup.Start(ctx)
	defer sup.Stop()

	logEvents(ctx, b, log)

	if *homeOnStart {
		result := ctrl.Home(ctx, nil)
		if !result.Success {
			log.Error("grblhostd: homing failed", fmt.Errorf("%s", result.Message))
			os.Exit(1)
		}
	}

	if *gcodeFile == "" {
		log.Info("grblhostd: idling, no file given")
		<-ctx.Done()
		return
	}

	source, err := os.ReadFile(*gcodeFile)
	if err != nil {
		log.Error("grblhostd: failed to read g-code file", err, "path", *gcodeFile)
		os.Exit(1)
	}

	j, err := ctrl.StreamGCode(ctx, *gcodeFile, string(source), types.DefaultJobOptions())
	if err != nil {
		log.Error("grblhostd: failed to start job", err)
		os.Exit(1)
	}

	waitForJobEnd(ctx, runner, j.ID, log)
}

func buildTransport(cfg config.HostConfig, log logging.Logger, useMock bool) transport.Transport {
	if useMock || cfg.Transport.Kind != config.TransportSerial {
		return transport.NewMock()
	}
	return transport.NewSerial(transport.SerialConfig{
		Path:     cfg.Transport.Path,
		BaudRate: cfg.Transport.BaudRate,
	}, log.With("transport"))
}

// logEvents tails the bus and logs every event at a level matching its
// severity, the same "one line per significant transition" shape the
// teacher's tag-prefixed logging followed.
func logEvents(ctx context.Context, b *bus.Bus, log logging.Logger) {
	tap := b.NewTap()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-tap:
				switch ev.Type {
				case types.EventAlarm, types.EventRecoveryFailed, types.EventEmergencyStop:
					log.Warn("grblhostd: event", "type", string(ev.Type), "source", ev.Source, "payload", ev.Payload)
				default:
					log.Debug("grblhostd: event", "type", string(ev.Type), "source", ev.Source)
				}
			}
		}
	}()
}

// waitForJobEnd polls the job history for jobID's terminal status, since the
// Runner resolves job completion asynchronously over the bus/history rather
// than through a blocking call.
func waitForJobEnd(ctx context.Context, runner *job.Runner, jobID string, log logging.Logger) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range runner.GetJobHistory() {
				if h.ID != jobID {
					continue
				}
				log.Info("grblhostd: job finished", "status", string(h.Status), "blocks_executed", h.BlocksExecuted)
				return
			}
		}
	}
}
