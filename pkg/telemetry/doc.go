// Package telemetry provides logging, tracing and metrics for lampbox runs.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry and metrics
// use a private Prometheus registry. A Telemetry value is attached to the
// context once at startup and picked up by the provisioner:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Work is instrumented in nested scopes. Each scope owns a span, a logger
// carrying the scope's fields and a timer:
//
//	ctx, run := telemetry.StartRun(ctx, runID)
//	ctx, site := telemetry.StartSite(ctx, "shop", "shop.local", "magento")
//	ctx, act := telemetry.StartAction(ctx, "vhost", "template")
//	act.End(telemetry.StatusChanged, nil)
//	site.End("succeeded", nil)
//	run.End("succeeded", nil)
//
// Without a Telemetry in the context the scopes still log through the
// context logger and record nothing else.
//
// # Metrics
//
//   - lampbox_runs_completed_total{status}
//   - lampbox_run_duration_seconds{status}
//   - lampbox_sites_total{status}
//   - lampbox_site_duration_seconds{framework}
//   - lampbox_actions_total{kind,status}
//   - lampbox_action_duration_seconds{kind}
//   - lampbox_errors_total{class}
//   - lampbox_last_run_timestamp_seconds
//
// Metrics are served on MetricsConfig.ListenAddress while a run is in
// progress, or written to MetricsConfig.TextfilePath on Shutdown for the
// node-exporter textfile collector.
package telemetry
