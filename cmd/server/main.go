package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"midna/api/grpcserver"
	"midna/api/rpc"
	"midna/config"
	"midna/domain/ledger"
	"midna/infra/kafka"
	"midna/infra/log"
	"midna/infra/outbox"
	"midna/infra/sequence"
	entrywal "midna/infra/wal/entry"
	"midna/jobs/broadcaster"
	"midna/service"
	"midna/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	logger := log.MustNew(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("midna engine exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	// ---------------- Entry WAL ----------------

	entryWAL, err := entrywal.Open(entrywal.Config{
		Dir:             cfg.WAL.Dir,
		SegmentSize:     cfg.WAL.SegmentSize,
		SyncEveryAppend: cfg.WAL.SyncEveryAppend,
	})
	if err != nil {
		return fmt.Errorf("entry WAL init: %w", err)
	}
	defer entryWAL.Close()

	// ---------------- Outbox ----------------

	events, err := outbox.Open(cfg.Outbox.Dir, outbox.Options{MaxRetries: cfg.Outbox.MaxRetries, Log: logger})
	if err != nil {
		return fmt.Errorf("outbox init: %w", err)
	}
	defer events.Close()

	// ---------------- Service ----------------

	policy, err := ledger.PolicyByName(cfg.DisputeRouting)
	if err != nil {
		return err
	}
	svc, err := service.New(service.Config{
		Authority: ledger.Party(cfg.SettlementAuthority),
		Policy:    policy,
		WAL:       entryWAL,
		Outbox:    events,
		Sequencer: sequence.New(0),
		Log:       logger,
	})
	if err != nil {
		return err
	}

	// ---------------- Snapshot + WAL REPLAY ----------------

	if err := svc.Recover(cfg.WAL.Dir, cfg.Snapshot.Dir); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// ---------------- Background Jobs ----------------

	var wg sync.WaitGroup
	jobs, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RunSnapshotJob(jobs, cfg.Snapshot.Dir, cfg.Snapshot.Interval)
	}()

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.Kafka.Client, cfg.Kafka.Brokers, cfg.Kafka.SettledTopic)
		if err != nil {
			return err
		}
		defer pub.Close()

		bc := broadcaster.New(events, pub, cfg.Outbox.PollInterval, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bc.Run(jobs)
		}()

		if cfg.Kafka.DepositTopic != "" {
			consumer := kafka.NewDepositConsumer(kafka.DepositConsumerConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.DepositTopic,
				GroupID: cfg.Kafka.DepositGroupID,
			}, func(ctx context.Context, party string, amount uint64, ref string) error {
				_, err := svc.Deposit(ctx, ledger.Party(party), amount, ref)
				return err
			}, logger)
			defer consumer.Close()

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := consumer.Run(jobs); err != nil {
					logger.Error().Err(err).Msg("deposit consumer stopped")
				}
			}()
		}
	} else {
		logger.Warn().Msg("no kafka brokers configured, settlement events stay in the outbox")
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	grpcSrv := grpc.NewServer()
	rpc.RegisterSettlementServer(grpcSrv, grpcserver.NewServer(svc, logger))

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcSrv.Serve(lis)
	}()

	logger.Info().
		Str("addr", lis.Addr().String()).
		Str("authority", cfg.SettlementAuthority).
		Str("dispute_routing", cfg.DisputeRouting).
		Msg("midna engine running")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			cancelJobs()
			wg.Wait()
			return fmt.Errorf("serve gRPC: %w", err)
		}
	}

	// ---------------- Shutdown ----------------

	logger.Info().Msg("shutting down")
	healthSrv.Shutdown()
	grpcSrv.GracefulStop()

	cancelJobs()
	wg.Wait()

	if _, err := svc.WriteSnapshot(&snapshot.Writer{Dir: cfg.Snapshot.Dir}); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	return nil
}
