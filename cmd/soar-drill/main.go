// Command soar-drill replays fixture events through a shadow pipeline
// with simulated action execution and reports whether every resulting
// incident ran its playbook to completion. Drills validate playbook
// templates and correlation settings before they reach production.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"argus-soar/internal/config"
	"argus-soar/internal/logging"
	"argus-soar/internal/normalize"
	"argus-soar/internal/playbook"
	"argus-soar/internal/shadow"
	"argus-soar/internal/storage"
)

func main() {
	var (
		fixturesPath = flag.String("fixtures", "", "path to a JSON file holding an array of raw events")
		policyName   = flag.String("policy", string(shadow.PolicyAlwaysApprove),
			"approval policy: always-approve, always-deny or approve-below-high")
		templatePath = flag.String("templates", "", "optional YAML file of extra playbook templates")
		maxContain   = flag.Duration("max-containment", 0, "fail the drill if any playbook takes longer than this to reach containment")
		archive      = flag.Bool("archive", false, "archive the drill report to S3 when storage is configured")
	)
	flag.Parse()

	if *fixturesPath == "" {
		fmt.Fprintln(os.Stderr, "usage: soar-drill -fixtures events.json [-policy always-approve]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Logging, os.Stderr)

	data, err := os.ReadFile(*fixturesPath)
	if err != nil {
		logger.Error("failed to read fixtures", "path", *fixturesPath, "error", err)
		os.Exit(1)
	}
	var fixtures []normalize.RawEvent
	if err := json.Unmarshal(data, &fixtures); err != nil {
		logger.Error("failed to parse fixtures", "path", *fixturesPath, "error", err)
		os.Exit(1)
	}

	catalog := playbook.NewCatalog()
	if *templatePath != "" {
		tmplData, err := os.ReadFile(*templatePath)
		if err != nil {
			logger.Error("failed to read templates", "path", *templatePath, "error", err)
			os.Exit(1)
		}
		if err := catalog.LoadYAML(tmplData); err != nil {
			logger.Error("failed to load templates", "path", *templatePath, "error", err)
			os.Exit(1)
		}
	}

	drillCfg := shadow.DefaultConfig()
	if *maxContain > 0 {
		drillCfg.SLO.MaxTimeToContainment = *maxContain
	}

	validator := shadow.NewValidator(drillCfg, catalog, logger)
	report, err := validator.RunDrill(context.Background(), fixtures, shadow.ResolvePolicy(*policyName))
	if err != nil {
		logger.Error("drill failed to run", "error", err)
		os.Exit(1)
	}

	if *archive && cfg.Storage.S3.Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		archiver, err := storage.NewArchiver(ctx, cfg.Storage.S3, logger)
		if err != nil {
			logger.Error("failed to initialize archiver", "error", err)
		} else if err := archiver.ArchiveDrillReport(ctx, report); err != nil {
			logger.Error("failed to archive drill report", "error", err)
		}
		cancel()
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Error("failed to encode report", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if !report.Passed {
		os.Exit(1)
	}
}
