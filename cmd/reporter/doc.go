// Package main hosts the reporter service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts job requests from authenticated callers (X-User-ID), the scraping
//     provider's webhook at /api/webhook, retries, and health/metrics probes.
//   - Lifecycle: every status change goes through internal/lifecycle.Machine, which applies a compare-and-swap on the
//     job store so concurrent webhooks, workers and the reaper cannot overwrite each other.
//   - Dispatch: creating a job triggers a collection run at the provider (rate limited) with a callback URL carrying
//     the job id. A trigger failure is persisted on the job.
//   - Intake & analysis: the webhook stores the payload as raw results (optionally archiving it to local disk or GCS),
//     moves the job to analyzing and enqueues an analysis task (memory or Redis queue). A fixed worker pool runs the
//     analyzer (Anthropic or mock) and records the report. Results from a superseded attempt are discarded.
//   - Retry: a failed job with raw results reruns only the analysis; anything else is reset and dispatched again.
//   - Persistence & fanout: jobs live in memory, Postgres (golang-migrate managed) or SQLite. Lifecycle events are
//     optionally published to Pub/Sub with the job id as ordering key.
//
// Operational notes:
//   - Shutdown is coordinated through an errgroup: SIGINT/SIGTERM cancels the HTTP server, the worker pool and the
//     reaper, then queues and stores are closed in reverse order of creation.
//   - The reaper is off by default. When enabled it fails jobs stuck in running or analyzing beyond their max age.
//
// Quick checklist:
//   - Configure env vars: REPORTER_PROVIDER_TOKEN, REPORTER_PROVIDER_DATASET_ID, REPORTER_PROVIDER_PUBLIC_BASE_URL,
//     REPORTER_ANALYSIS_ANTHROPIC_API_KEY (or REPORTER_ANALYSIS_KIND=mock), plus storage/queue/pubsub selections.
//   - Run locally: go run ./cmd/reporter serve --config config.yaml (or rely solely on env overrides).
//   - Postgres schema: go run ./cmd/reporter migrate --dsn postgres://... applies the embedded migrations; serve also
//     applies them on startup unless database.migrate is false.
package main
