package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/config"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/homing"
	plog "github.com/Snake-Edition/P32-FW-sub000/pkg/log"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/metrics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/safety"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/sim"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// distance of the derived start position from the home wall, mm
const startClearance = 50.0

// options are the flags shared by every command.
type options struct {
	configPath   string
	scenarioPath string
	storePath    string
	metricsAddr  string
	logLevel     string
	logJSON      bool
	logFile      string

	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "precise-home",
		Short:         "Precise homing calibration on a simulated machine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if o.logCloser != nil {
				return o.logCloser.Close()
			}
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "printer configuration file (required)")
	f.StringVar(&o.scenarioPath, "scenario", "", "YAML scenario of the simulated machine (default: derived from the config)")
	f.StringVar(&o.storePath, "store", "", "calibration store file (default: in memory)")
	f.StringVar(&o.metricsAddr, "metrics", "", "serve prometheus metrics on this address while running")
	f.StringVar(&o.logLevel, "log-level", "info", "log level")
	f.BoolVar(&o.logJSON, "log-json", false, "log in JSON")
	f.StringVar(&o.logFile, "log-file", "", "also log to this file, rotated")
	_ = root.MarkPersistentFlagRequired("config")

	root.AddCommand(
		newHomeCmd(o),
		newRefineCmd(o),
		newMeasureCmd(o),
		newStatusCmd(o),
		newResetCmd(o),
	)
	return root
}

func (o *options) setupLogging(out io.Writer) error {
	opts := plog.Options{Level: o.logLevel, JSON: o.logJSON, Output: out}
	if o.logFile != "" {
		opts.File = &plog.RotationConfig{Filename: o.logFile}
	}
	closer, err := plog.Setup(opts)
	if err != nil {
		return err
	}
	o.logCloser = closer
	return nil
}

// session is one engine bound to its machine and store.
type session struct {
	cfg      homing.Config
	machine  *sim.Machine
	store    store.Store
	engine   *homing.Engine
	safety   *safety.Manager
	registry *prometheus.Registry
	closer   io.Closer
}

func (s *session) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (o *options) open() (*session, error) {
	raw, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := homing.ConfigFromINI(raw)
	if err != nil {
		return nil, err
	}
	sc, err := o.scenario(cfg)
	if err != nil {
		return nil, err
	}
	m, err := sim.New(sc)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, machine: m, registry: prometheus.NewRegistry()}
	if o.storePath == "" {
		s.store = store.NewMemory()
	} else {
		f, err := store.Open(o.storePath)
		if err != nil {
			return nil, err
		}
		s.store, s.closer = f, f
	}

	mt, err := metrics.NewHoming(s.registry)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.safety = safety.New()
	s.safety.RegisterMotor(m)
	s.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		log.WithField("reason", reason).Error("machine halted: ", msg)
	})
	s.engine = homing.NewEngine(cfg, m, s.store, s.safety, mt, nil)
	return s, nil
}

// scenario loads the scenario file, or derives a noiseless machine from cfg.
func (o *options) scenario(cfg homing.Config) (sim.Scenario, error) {
	if o.scenarioPath != "" {
		sc, err := sim.LoadScenario(o.scenarioPath)
		if err != nil {
			return sim.Scenario{}, err
		}
		if sc.Kinematics != cfg.Kinematics {
			return sim.Scenario{}, fmt.Errorf("scenario kinematics %q does not match config %q", sc.Kinematics, cfg.Kinematics)
		}
		return sc, nil
	}

	sc := sim.DefaultScenario(cfg.Kinematics)
	sc.StepsPerMM = cfg.Axes[motion.X].StepsPerMM
	sc.Microsteps = cfg.Axes[motion.X].Microsteps
	for _, axis := range motion.Axes {
		a := cfg.Axes[axis]
		sc.HomeDir[axis] = a.HomeDir
		sc.PositionEndstop[axis] = a.PositionEndstop
		sc.Walls[axis] = a.PositionEndstop
		sc.Start[axis] = a.PositionEndstop - float64(a.HomeDir)*startClearance
	}
	return sc, sc.Validate()
}

// call runs fn and turns a panic into an error.
func call(ctx context.Context, s *session, fn func(ctx context.Context, s *session) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("command panicked")
			err = errors.RecoverPanic(r)
		}
	}()
	return fn(ctx, s)
}

// run opens a session and calls fn with a context cancelled on SIGINT or
// SIGTERM. The metrics server, if enabled, runs next to fn and stops with it.
func (o *options) run(fn func(ctx context.Context, s *session) error) error {
	s, err := o.open()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.metricsAddr == "" {
		return call(ctx, s, fn)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	srv := metrics.NewServer(o.metricsAddr, s.registry)
	g.Go(func() error {
		return srv.Run(runCtx)
	})
	g.Go(func() error {
		defer cancel()
		return call(runCtx, s, fn)
	})
	return g.Wait()
}
