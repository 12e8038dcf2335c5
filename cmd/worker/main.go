package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atranelis/recall/internal/queue"
	"github.com/atranelis/recall/internal/util"
	"github.com/atranelis/recall/pkg/ai"
	olm "github.com/atranelis/recall/pkg/ai/ollama"
	oai "github.com/atranelis/recall/pkg/ai/openai"
	"github.com/atranelis/recall/pkg/archive/store"
	"github.com/atranelis/recall/pkg/graphsync"
	"github.com/atranelis/recall/pkg/index"
	"github.com/atranelis/recall/pkg/logger"
	"github.com/atranelis/recall/pkg/logger/console"
	"github.com/atranelis/recall/pkg/pipeline"
	"github.com/atranelis/recall/pkg/runlock"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Oracle
	adapter := util.GetEnv("AI_ADAPTER")
	var oracle ai.Oracle

	switch adapter {
	case "ollama":
		client, err := olm.NewOllamaOracle(olm.NewOllamaOracleParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			SummaryModel:    util.GetEnv("AI_CHAT_SUMMARY_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			TimeoutMinutes:        int64(util.GetEnvInt("AI_TIMEOUT_MINUTES", 10)),
			MaxConcurrentRequests: int64(util.GetEnvInt("AI_MAX_CONCURRENT", 1)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama oracle", "err", err)
		}
		oracle = client
	default:
		oracle = oai.NewOpenAIOracle(oai.NewOpenAIOracleParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			SummaryModel:    util.GetEnv("AI_CHAT_SUMMARY_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			InputPricePerMTok:  util.GetEnvNumeric("AI_INPUT_PRICE_MTOK", 0),
			OutputPricePerMTok: util.GetEnvNumeric("AI_OUTPUT_PRICE_MTOK", 0),
		})
	}

	// Archive (SQLite)
	stateDir := util.GetEnvString("STATE_DIR", "./state")
	archiveStore, err := store.Open(filepath.Join(stateDir, "archive.db"))
	if err != nil {
		logger.Fatal("Unable to open archive store", "err", err)
	}
	defer archiveStore.Close()

	// Postgres: embedding index and run lock
	pgCfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Invalid DATABASE_URL", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	embedIndex := index.New(pgConn, oracle, util.GetEnvInt("AI_EMBED_DIM", 1536))
	if err := embedIndex.EnsureSchema(ctx); err != nil {
		logger.Fatal("Unable to prepare embedding index", "err", err)
	}

	locker := runlock.New(pgConn)
	if err := locker.EnsureSchema(ctx); err != nil {
		logger.Fatal("Unable to prepare run lock table", "err", err)
	}

	// Knowledge graph
	graphClient, err := graphsync.NewClient(ctx, graphsync.NewClientParams{
		URI:      util.GetEnv("NEO4J_URI"),
		User:     util.GetEnvString("NEO4J_USER", "neo4j"),
		Password: util.GetEnv("NEO4J_PASSWORD"),
		Database: util.GetEnvString("NEO4J_DATABASE", ""),
	})
	if err != nil {
		logger.Fatal("Unable to connect to knowledge graph", "err", err)
	}
	defer graphClient.Close(context.Background())

	// RabbitMQ: run triggers in, notifications out
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.PipelineQueue, queue.NotifyQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}
	notifier := queue.NewNotifier(ch)

	// Corpus roots: "user1=/path/one,user2=/path/two"
	roots := parseRoots(util.GetEnv("CORPUS_ROOTS"))
	if len(roots) == 0 {
		logger.Fatal("CORPUS_ROOTS is empty")
	}

	manifest, err := pipeline.LoadManifest(filepath.Join(stateDir, "manifest.json"))
	if err != nil {
		logger.Fatal("Unable to load manifest", "err", err)
	}

	runner := pipeline.NewRunner(pipeline.RunnerParams{
		Roots:           roots,
		Store:           archiveStore,
		Manifest:        manifest,
		Oracle:          oracle,
		Syncer:          graphsync.NewSyncer(graphClient),
		Index:           embedIndex,
		CorrectionsPath: util.GetEnvString("CORRECTIONS_PATH", filepath.Join(stateDir, "corrections.yaml")),

		BudgetCeilingUSD: util.GetEnvNumeric("BUDGET_CEILING_USD", 0),
		ChunkSize:        util.GetEnvInt("CHUNK_SIZE", 0),
		ParallelChunks:   util.GetEnvInt("PARALLEL_CHUNKS", 2),
		MaxRetries:       util.GetEnvInt("MAX_RETRIES", 3),

		Notify: func(message string) { notifier.Publish("pipeline", message) },
	})
	summarizer := pipeline.NewSummarizer(oracle, archiveStore)

	runPipeline := func(reason string) {
		err := locker.WithRun(ctx, runlock.PipelineKey, runlock.Options{}, func(runCtx context.Context) error {
			report, err := runner.Run(runCtx)
			if err != nil {
				return err
			}
			for _, warning := range report.Warnings {
				notifier.Publish("warning", warning)
			}
			return nil
		})
		switch err {
		case nil:
		case runlock.ErrBusy:
			logger.Info("Pipeline run already active, skipping", "reason", reason)
		default:
			logger.Error("Pipeline run failed", "reason", reason, "err", err)
			notifier.Publish("error", err.Error())
		}
	}

	// Periodic extraction runs
	go func() {
		interval := time.Duration(util.GetEnvInt("PIPELINE_INTERVAL_SECONDS", 900)) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runPipeline("startup")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runPipeline("schedule")
			}
		}
	}()

	// Periodic reindex sweep; touches state disjoint from the pipeline, so
	// it runs without the run lock.
	go func() {
		interval := time.Duration(util.GetEnvInt("REINDEX_INTERVAL_SECONDS", 60)) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runner.Reindex(ctx); err != nil {
					logger.Error("Reindex sweep failed", "err", err)
				}
			}
		}
	}()

	// Periodic summarizer
	go func() {
		interval := time.Duration(util.GetEnvInt("SUMMARY_INTERVAL_SECONDS", 300)) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := summarizer.Run(ctx, util.GetEnvInt("SUMMARY_BATCH", 10)); err != nil {
					logger.Error("Summarizer sweep failed", "err", err)
				}
			}
		}
	}()

	// On-demand run requests from the pipeline queue
	go func() {
		msgs, err := ch.Consume(
			queue.PipelineQueue,
			"pipeline_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Error("Failed to start consuming run requests", "err", err)
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				req := queue.DecodeRunRequest(msg.Body)
				logger.Info("Run request received", "reason", req.Reason)
				runPipeline(req.Reason)
				if err := msg.Ack(false); err != nil {
					logger.Error("Failed to ack run request", "err", err)
				}
			}
		}
	}()

	logger.Info("Worker started", "users", len(roots))
	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

// parseRoots parses "user=/dir" pairs separated by commas.
func parseRoots(value string) map[string]string {
	roots := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, dir, ok := strings.Cut(pair, "=")
		if !ok || user == "" || dir == "" {
			logger.Warn("Ignoring malformed corpus root", "value", pair)
			continue
		}
		roots[user] = dir
	}
	return roots
}
