package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flcs/coordinator/src/adrm/engine"
	"github.com/flcs/coordinator/src/adrm/modelmgr"
	"github.com/flcs/coordinator/src/adrm/response"
	"github.com/flcs/coordinator/src/ca"
	"github.com/flcs/coordinator/src/config"
	"github.com/flcs/coordinator/src/globalmodel"
	"github.com/flcs/coordinator/src/logging"
	"github.com/flcs/coordinator/src/orchestrator"
	"github.com/flcs/coordinator/src/ppm"
	"github.com/flcs/coordinator/src/registry"
	"github.com/flcs/coordinator/src/sam"
	"github.com/flcs/coordinator/src/transport/admin"
	"github.com/flcs/coordinator/src/transport/control"
	"github.com/flcs/coordinator/src/transport/enroll"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FLCS coordinator",
	Long:  `Start the enrollment, mTLS control, and admin REST servers and drive the round orchestrator until signalled.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev-mode", false, "human-readable console logging instead of JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		os.Setenv("FLCS_CONFIG_FILE", cfgFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return fatal("config", err)
	}

	log := logging.New(cfg.LogLevel, devMode || cfg.Development, os.Stdout)
	ring := logging.NewRing(1000)
	log = logging.WithComponent(log, ring, "flcs-server")

	caSvc, err := ca.Load(cfg.Transport.CACertPath, cfg.Transport.CAKeyPath, cfg.Transport.ServerCertPath, cfg.Transport.ServerKeyPath)
	if err != nil {
		return fatal("ca", err)
	}

	dbDir := cfg.Storage.DatabaseDir

	resp0, err := response.New(response.Config{SnapshotDir: dbDir}, logging.WithComponent(log, ring, "adrm_response"), nil)
	if err != nil {
		return fatal("adrm response bootstrap", err)
	}
	reg, err := registry.New(registry.Config{SnapshotDir: dbDir}, logging.WithComponent(log, ring, "registry"), resp0)
	if err != nil {
		return fatal("registry", err)
	}
	resp, err := response.New(response.Config{
		SnapshotDir:               dbDir,
		BlockDurationMinutes:      cfg.ADRM.BlockDurationMinutes,
		ReputationPenaltyForBlock: cfg.ADRM.ReputationPenaltyForBlock,
		LowSeverityPenalty:        cfg.ADRM.LowSeverityPenalty,
		RedisAddr:                 cfg.Redis.Addr,
		RedisPassword:             cfg.Redis.Password,
		RedisDB:                   cfg.Redis.DB,
	}, logging.WithComponent(log, ring, "adrm_response"), reg)
	if err != nil {
		return fatal("adrm response", err)
	}
	defer resp.Close()

	models, err := modelmgr.New(modelmgr.Config{
		ModelsDir:          filepath.Join(dbDir, "adrm_models"),
		PerformanceLogPath: filepath.Join(dbDir, "adrm_performance_log.json"),
		PromotionThreshold: cfg.ADRM.PromotionThreshold,
	}, logging.WithComponent(log, ring, "adrm_modelmgr"))
	if err != nil {
		return fatal("adrm model manager", err)
	}

	eng := engine.New(engine.Config{
		ChallengerBatchSize:  cfg.ADRM.ChallengerBatchSize,
		CrossClientThreshold: cfg.ADRM.CrossClientThreshold,
	}, models, resp, logging.WithComponent(log, ring, "adrm_engine"))

	auditor := ppm.New(cfg.Privacy.HE.Active, logging.WithComponent(log, ring, "ppm"))
	agg := sam.New(sam.Config{})

	global, err := globalmodel.New(globalmodel.Config{
		SavedModelsDir:     cfg.Storage.SavedModelDir,
		MetricsHistoryPath: filepath.Join(dbDir, "logs", "model_metrics_history.json"),
		S3Bucket:           cfg.Storage.S3Bucket,
		S3Prefix:           cfg.Storage.S3Prefix,
	}, logging.WithComponent(log, ring, "globalmodel"))
	if err != nil {
		return fatal("global model registry", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		ClientsPerRound:     cfg.FederatedLearning.ClientsPerRound,
		MinClientsForRound:  cfg.FederatedLearning.MinClientsForRound,
		RoundTimeout:        time.Duration(cfg.FederatedLearning.RoundTimeoutSeconds) * time.Second,
		MaxRounds:           uint64(cfg.FederatedLearning.TrainingRounds),
		StatusCheckInterval: time.Duration(cfg.StatusCheckIntervalSeconds) * time.Second,
	}, orchestrator.Deps{
		Registry:     reg,
		Response:     resp,
		Engine:       eng,
		Auditor:      auditor,
		Aggregator:   agg,
		GlobalModel:  global,
		SSSThreshold: cfg.Privacy.SSS.Threshold,
	}, logging.WithComponent(log, ring, "orchestrator"))

	enrollSrv := enroll.New(caSvc, cfg.Transport.RegistrationToken, logging.WithComponent(log, ring, "enroll"))
	controlSrv := control.New(reg, orch, orch, logging.WithComponent(log, ring, "control"))
	adminSrv := admin.New(admin.Config{
		AdminPasswordHash: cfg.Admin.PasswordHash,
		JWTSecret:         []byte(cfg.JWTSecret),
	}, reg, resp, eng, orch, global, ring, logging.WithComponent(log, ring, "admin"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	sweepDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.RunHeartbeatSweeper(sweepDone,
			time.Duration(cfg.StatusCheckIntervalSeconds)*time.Second,
			time.Duration(cfg.HeartbeatTimeoutSeconds)*time.Second,
			time.Duration(cfg.HeartbeatTimeoutSeconds)*time.Second)
	}()

	enrollHTTP := &http.Server{Addr: cfg.Transport.EnrollListenAddr, Handler: enrollSrv.Handler()}
	controlHTTP := &http.Server{
		Addr:      cfg.Transport.ControlListenAddr,
		Handler:   controlSrv.Router(),
		TLSConfig: caSvc.ServerCredentials(),
	}
	adminHTTP := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: adminSrv.Router()}

	servers := []*http.Server{enrollHTTP, controlHTTP, adminHTTP}
	errs := make(chan error, len(servers))

	go func() {
		log.Info().Str("addr", enrollHTTP.Addr).Msg("enrollment server listening")
		errs <- enrollHTTP.ListenAndServe()
	}()
	go func() {
		log.Info().Str("addr", controlHTTP.Addr).Msg("mTLS control server listening")
		errs <- controlHTTP.ListenAndServeTLS("", "")
	}()
	go func() {
		log.Info().Str("addr", adminHTTP.Addr).Msg("admin REST server listening")
		errs <- adminHTTP.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error, shutting down")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	close(sweepDone)
	cancel()
	wg.Wait()

	return nil
}

func fatal(stage string, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}
