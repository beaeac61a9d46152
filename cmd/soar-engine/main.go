// Command soar-engine runs the playbook orchestration engine: it ingests
// security events over HTTP, TCP and Kafka, correlates them into
// incidents, selects response playbooks and drives them to completion.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"argus-soar/internal/advisory"
	"argus-soar/internal/api"
	"argus-soar/internal/approval"
	"argus-soar/internal/config"
	"argus-soar/internal/correlation"
	"argus-soar/internal/decision"
	"argus-soar/internal/executor"
	"argus-soar/internal/ingest"
	"argus-soar/internal/kafka"
	"argus-soar/internal/logging"
	"argus-soar/internal/normalize"
	"argus-soar/internal/notify"
	"argus-soar/internal/operatorq"
	"argus-soar/internal/playbook"
	"argus-soar/internal/queue"
	"argus-soar/internal/storage"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging, os.Stdout)
	logger.Info("starting soar engine",
		"version", version,
		"ingest_address", cfg.Ingest.HTTPAddress,
		"api_address", cfg.API.Address)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Operator triage queue. Falls back to an in-memory queue when Redis
	// is not configured.
	triage, err := operatorq.New(cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to initialize triage queue", "error", err)
		os.Exit(1)
	}

	// Playbook catalog: built-ins plus any configured template files.
	catalog := playbook.NewCatalog()
	for _, path := range cfg.Templates.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read template file", "path", path, "error", err)
			os.Exit(1)
		}
		if err := catalog.LoadYAML(data); err != nil {
			logger.Error("failed to load templates", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Info("loaded playbook templates", "path", path)
	}

	// Audit trail and archive are optional. A nil store and a nil
	// archiver are valid no-op writers.
	var audit *storage.AuditStore
	var archiver *storage.Archiver
	if cfg.Storage.Enabled {
		conn, err := storage.Connect(cfg.Storage.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		if err := storage.EnsureSchema(ctx, conn); err != nil {
			logger.Error("failed to ensure audit schema", "error", err)
			os.Exit(1)
		}
		audit = storage.NewAuditStore(conn, cfg.Storage.Audit, logger)
		logger.Info("audit store enabled", "hosts", cfg.Storage.ClickHouse.Hosts)

		if cfg.Storage.S3.Bucket != "" {
			archiver, err = storage.NewArchiver(ctx, cfg.Storage.S3, logger)
			if err != nil {
				logger.Error("failed to initialize archiver", "error", err)
				os.Exit(1)
			}
			logger.Info("archive enabled", "bucket", cfg.Storage.S3.Bucket)
		}
	}

	gate := approval.NewGate(cfg.Approval, audit, logger)
	gate.Start(ctx)

	var channels []notify.Channel
	for _, hook := range cfg.Notify.Webhooks {
		channels = append(channels, notify.NewWebhookChannel(hook.Name, hook.URL, hook.Headers))
	}
	if cfg.Notify.Slack.WebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(
			cfg.Notify.Slack.WebhookURL, cfg.Notify.Slack.Channel, cfg.Notify.Slack.Username))
	}
	dispatcher := notify.NewDispatcher(channels, logger)

	gateway := executor.New(
		cfg.Executor.GatewayURL, cfg.Executor.APIKey,
		cfg.Executor.Timeout, cfg.Executor.DryRun, logger)
	if cfg.Executor.DryRun {
		logger.Warn("executor in dry-run mode, actions will not reach the gateway")
	}

	runner := playbook.NewRunner(cfg.Runner, gateway, gate, dispatcher, logger)

	var advisor decision.Advisor
	if cfg.Advisory.BaseURL != "" {
		advisor = advisory.NewClient(cfg.Advisory.BaseURL, cfg.Advisory.APIKey, cfg.Advisory.Timeout)
		logger.Info("advisory service enabled", "base_url", cfg.Advisory.BaseURL)
	}
	decider := decision.NewEngine(cfg.Decision, catalog, advisor, logger)

	runner.AddTerminalHook(decider.RecordOutcome)
	runner.AddTerminalHook(audit.RecordInstance)
	if archiver != nil {
		runner.AddTerminalHook(func(snap playbook.Snapshot) {
			archiveCtx, archiveCancel := context.WithTimeout(context.Background(), cfg.Storage.S3.Timeout)
			defer archiveCancel()
			if err := archiver.ArchiveInstance(archiveCtx, snap); err != nil {
				logger.Error("failed to archive instance", "instance_id", snap.ID, "error", err)
			}
		})
	}

	var producer *kafka.AuditProducer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.AuditTopic != "" {
		producer, err = kafka.NewAuditProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Error("failed to initialize audit producer", "error", err)
			os.Exit(1)
		}
		runner.AddTerminalHook(producer.TerminalHook())
		logger.Info("kafka audit publishing enabled", "topic", cfg.Kafka.AuditTopic)
	}

	// Correlation feeds decisions, decisions launch playbooks. Incidents
	// without a matching template go to operator triage instead.
	engine := correlation.NewEngine(cfg.Correlation, logger)
	engine.AddHandler(func(hctx context.Context, incident *correlation.Incident) error {
		dec, err := decider.Decide(hctx, incident, engine.ActiveIncidents())
		if err != nil {
			if errors.Is(err, decision.ErrNoApplicableTemplate) {
				item := &operatorq.TriageItem{
					Kind:       operatorq.KindNoTemplate,
					IncidentID: incident.ID,
					Entity:     incident.Entity,
					Class:      incident.Class,
					Severity:   incident.Severity,
					Detail:     err.Error(),
				}
				if pushErr := triage.Push(hctx, item); pushErr != nil {
					logger.Error("failed to enqueue triage item",
						"incident_id", incident.ID, "error", pushErr)
				}
				return nil
			}
			return err
		}

		_, err = runner.Launch(hctx, dec.Template, incident.ID, incident.Entity, incident.WindowStart)
		if err != nil {
			logger.Error("failed to launch playbook",
				"incident_id", incident.ID,
				"template", dec.Template.ID,
				"error", err)
			return err
		}
		logger.Info("playbook launched",
			"incident_id", incident.ID,
			"template", dec.Template.ID,
			"entity", incident.Entity,
			"rationale", dec.Rationale)
		return nil
	})
	engine.Start(ctx)

	// Pump buffered events into correlation until the buffer closes.
	buffer := queue.NewEventBuffer(cfg.Queue.Size)
	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		for {
			event, err := buffer.Pop()
			if err != nil {
				return
			}
			engine.Process(event)
		}
	}()

	normalizer := normalize.NewNormalizer(logger)

	// HTTP ingest.
	handler := ingest.NewHandler(normalizer, buffer, triage, logger).WithMaxBatch(cfg.Ingest.MaxBatch)
	limiter := ingest.NewRateLimiter(cfg.Ingest.RateLimit)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", handler.HandleEvents)
	mux.HandleFunc("GET /v1/healthz", handler.HealthCheck)
	ingestServer := &http.Server{
		Addr:         cfg.Ingest.HTTPAddress,
		Handler:      limiter.Middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("ingest server listening", "address", cfg.Ingest.HTTPAddress)
		if err := ingestServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ingest server failed", "error", err)
			cancel()
		}
	}()

	// TCP ingest.
	var tcpServer *ingest.TCPServer
	if cfg.Ingest.TCPEnabled {
		tcpServer = ingest.NewTCPServer(cfg.Ingest.TCP, normalizer, buffer, triage, logger)
		if err := tcpServer.Start(ctx); err != nil {
			logger.Error("failed to start tcp server", "error", err)
			os.Exit(1)
		}
	}

	// Kafka ingest.
	var consumer *kafka.Consumer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.EventTopic != "" {
		consumer, err = kafka.NewConsumer(cfg.Kafka, func(cctx context.Context, raw normalize.RawEvent) error {
			event, err := normalizer.Normalize(raw)
			if err != nil {
				var schemaErr *normalize.SchemaError
				if errors.As(err, &schemaErr) {
					item := &operatorq.TriageItem{
						Kind:   operatorq.KindNormalizeError,
						Source: raw.Source,
						Detail: err.Error(),
					}
					if pushErr := triage.Push(cctx, item); pushErr != nil {
						logger.Error("failed to enqueue triage item", "error", pushErr)
					}
					return nil
				}
				if errors.Is(err, normalize.ErrUnsupportedSource) {
					logger.Warn("dropping event from unsupported source", "source", raw.Source)
					return nil
				}
				return err
			}
			return buffer.Push(event)
		}, logger)
		if err != nil {
			logger.Error("failed to initialize kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			logger.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
		logger.Info("kafka ingest enabled", "topic", cfg.Kafka.EventTopic)
	}

	// Operator API: approvals and instance inspection.
	apiServer := api.NewServer(cfg.API, gate, runner, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Error("component failure, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop intake first, then drain the pipeline front to back.
	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest server shutdown failed", "error", err)
	}
	if tcpServer != nil {
		tcpServer.Stop()
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer shutdown failed", "error", err)
		}
	}
	limiter.Stop()

	buffer.Close()
	pumpWG.Wait()
	engine.Stop()

	// Cancelling the root context aborts in-flight playbooks still
	// blocked on approvals so the runner can drain.
	cancel()
	runner.Wait()
	gate.Stop()
	dispatcher.Flush()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("audit producer close failed", "error", err)
		}
	}
	if err := audit.Close(); err != nil {
		logger.Error("audit store close failed", "error", err)
	}
	triage.Close()

	stats := buffer.Stats()
	auditMetrics := audit.Metrics()
	logger.Info("shutdown complete",
		"events_accepted", stats.Accepted,
		"events_consumed", stats.Consumed,
		"events_dropped", stats.Dropped,
		"audit_rows_written", auditMetrics.Written,
		"audit_rows_failed", auditMetrics.Failed)
}
