package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dedupv1/dedupv1d/pkg/bridge"
	"github.com/dedupv1/dedupv1d/pkg/config"
	"github.com/dedupv1/dedupv1d/pkg/dedupengine"
	"github.com/dedupv1/dedupv1d/pkg/detacher"
	"github.com/dedupv1/dedupv1d/pkg/fastcopy"
	"github.com/dedupv1/dedupv1d/pkg/groupinfo"
	"github.com/dedupv1/dedupv1d/pkg/log"
	"github.com/dedupv1/dedupv1d/pkg/scheduler"
	"github.com/dedupv1/dedupv1d/pkg/storage"
	"github.com/dedupv1/dedupv1d/pkg/targetinfo"
	"github.com/dedupv1/dedupv1d/pkg/userinfo"
	"github.com/dedupv1/dedupv1d/pkg/volumeinfo"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dedupv1d daemon",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "/etc/dedupv1d.conf", "Path to the dedupv1d configuration file")
	startCmd.Flags().Bool("non-create", false, "Do not create a new dedup system; attach to an existing one")
	startCmd.Flags().Bool("dirty", false, "The previous shutdown was unclean; run the recovery pass before accepting commands")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9081", "Address the Prometheus metrics endpoint listens on")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	nonCreate, _ := cmd.Flags().GetBool("non-create")
	dirty, _ := cmd.Flags().GetBool("dirty")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("daemon")
	logger.Info().
		Str("config", configPath).
		Bool("non_create", nonCreate).
		Bool("dirty", dirty).
		Msg("starting dedupv1d")
	if dirty {
		logger.Warn().Msg("dirty start requested; the in-memory dedup engine has no log to replay")
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	store, err := storage.NewBoltStore(filepath.Join(dataDir, "dedupv1d.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := store.Start(); err != nil {
		return fmt.Errorf("start store: %w", err)
	}
	defer store.Close()

	groupIndex, err := store.Index("groups")
	if err != nil {
		return fmt.Errorf("open groups index: %w", err)
	}
	userIndex, err := store.Index("users")
	if err != nil {
		return fmt.Errorf("open users index: %w", err)
	}
	targetIndex, err := store.Index("targets")
	if err != nil {
		return fmt.Errorf("open targets index: %w", err)
	}
	volumeIndex, err := store.Index("volumes")
	if err != nil {
		return fmt.Errorf("open volumes index: %w", err)
	}
	errorIndex, err := store.Index("volume-errors")
	if err != nil {
		return fmt.Errorf("open volume-errors index: %w", err)
	}
	detachingIndex, err := store.Index("detaching")
	if err != nil {
		return fmt.Errorf("open detaching index: %w", err)
	}
	fastcopyIndex, err := store.Index("fastcopy")
	if err != nil {
		return fmt.Errorf("open fastcopy index: %w", err)
	}

	groups := groupinfo.New()
	if err := groups.Start(cfg.GroupOptions(), groupIndex); err != nil {
		return fmt.Errorf("start groupinfo: %w", err)
	}

	users := userinfo.New()
	if err := users.Start(cfg.UserOptions(), userIndex); err != nil {
		return fmt.Errorf("start userinfo: %w", err)
	}

	targets := targetinfo.New(users)
	if err := targets.Start(cfg.TargetOptions(), targetIndex); err != nil {
		return fmt.Errorf("start targetinfo: %w", err)
	}

	capacityBytes := cfg.Storage.CapacityGB * (1 << 30)
	if capacityBytes == 0 {
		capacityBytes = 64 << 30
	}
	system := dedupengine.NewMemSystem(capacityBytes)
	if err := system.Start(); err != nil {
		return fmt.Errorf("start dedup engine: %w", err)
	}

	volumes := volumeinfo.New(groups, targets, system, func() bridge.Bridge { return bridge.NewFakeBridge() })
	if err := volumes.Start(cfg.VolumeOptions(), volumeIndex, errorIndex); err != nil {
		return fmt.Errorf("start volumeinfo: %w", err)
	}

	fc := fastcopy.New(volumes)
	if err := fc.Start(fastcopyIndex); err != nil {
		return fmt.Errorf("start fastcopy: %w", err)
	}
	if err := fc.Run(); err != nil {
		return fmt.Errorf("run fastcopy: %w", err)
	}
	volumes.SetFastCopyEngine(fc)

	det := detacher.New(volumeBlockDeleter{system: system}, nil)
	if err := det.Start(detachingIndex); err != nil {
		return fmt.Errorf("start detacher: %w", err)
	}
	if err := det.Run(); err != nil {
		return fmt.Errorf("run detacher: %w", err)
	}
	volumes.SetDetacher(det)

	pool := scheduler.NewPool(4)
	pool.Start()
	sched := scheduler.New()
	sched.Start(pool)
	if err := sched.Submit("metrics-refresh", scheduler.Options{IntervalSeconds: 10}, func(ctx scheduler.ScheduleContext) {
		if ctx.Aborted() {
			return
		}
		volumes.RefreshMetrics()
	}); err != nil {
		return fmt.Errorf("schedule metrics refresh: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	logger.Info().Int("volumes", len(volumes.List())).Msg("dedupv1d started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	sched.Stop()
	pool.Stop()
	_ = server.Close()
	_ = det.Stop()
	_ = fc.Stop()
	_ = system.Stop()
	_ = system.Close()

	logger.Info().Msg("shutdown complete")
	return nil
}

// volumeBlockDeleter adapts dedupengine.System to detacher.BlockIndexDeleter.
// The in-memory engine reclaims block metadata synchronously and has no
// write-back buffer, so Flush is a no-op beyond existence.
type volumeBlockDeleter struct {
	system dedupengine.System
}

func (d volumeBlockDeleter) DeleteBlockInfo(volumeID uint32, blockID uint64) error {
	return d.system.DeleteBlock(volumeID, blockID)
}

func (d volumeBlockDeleter) Flush(volumeID uint32) error {
	return nil
}
