package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/micropub-rocks/conformance/cmd/conformance-server/handlers"
	"github.com/micropub-rocks/conformance/internal/authflow"
	"github.com/micropub-rocks/conformance/internal/blob"
	"github.com/micropub-rocks/conformance/internal/config"
	"github.com/micropub-rocks/conformance/internal/conformance"
	"github.com/micropub-rocks/conformance/internal/report"
	"github.com/micropub-rocks/conformance/internal/signedstate"
	"github.com/micropub-rocks/conformance/internal/store"
	"github.com/micropub-rocks/conformance/internal/stream"
)

// clientTests is the catalogue of client conformance scenarios. Seeding is
// idempotent; numbers already present are left alone.
var clientTests = []store.Test{
	{Group: "client", Number: 100, Name: "Create an h-entry post (form-encoded)"},
	{Group: "client", Number: 101, Name: "Create an h-entry post with multiple categories (form-encoded)"},
	{Group: "client", Number: 104, Name: "Create an h-entry with a photo referenced by URL (form-encoded)"},
	{Group: "client", Number: 105, Name: "Create an h-entry post with a syndication destination (form-encoded)"},
	{Group: "client", Number: 200, Name: "Create an h-entry post (JSON)"},
	{Group: "client", Number: 201, Name: "Create an h-entry post with multiple categories (JSON)"},
	{Group: "client", Number: 202, Name: "Create an h-entry with HTML content (JSON)"},
	{Group: "client", Number: 203, Name: "Create an h-entry with a photo referenced by URL (JSON)"},
	{Group: "client", Number: 204, Name: "Create an h-entry with a nested object (JSON)"},
	{Group: "client", Number: 205, Name: "Create an h-entry with a photo with alt text (JSON)"},
	{Group: "client", Number: 300, Name: "Create an h-entry with a photo (multipart)"},
	{Group: "client", Number: 600, Name: "Configuration query"},
	{Group: "client", Number: 601, Name: "Syndication destination query"},
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	config.LoadEnv(logger, "../../.env")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	db, err := store.NewStoreFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	if err := db.SeedTests(clientTests); err != nil {
		logger.Fatal("failed to seed test catalogue", zap.Error(err))
	}

	blobs, err := blob.NewStoreFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize blob store", zap.Error(err))
	}
	defer blobs.Close()

	publisher, err := stream.NewPublisherFromEnv(logger)
	if err != nil {
		logger.Fatal("failed to initialize stream publisher", zap.Error(err))
	}
	defer publisher.Close()

	codec := signedstate.NewCodec(cfg.Secret)
	ledger := report.NewLedger(db)
	flow := authflow.NewFlow(codec, db, ledger, publisher, logger, cfg.ConfirmTTL, cfg.CodeTTL)
	validator := conformance.NewValidator(blobs, cfg.BaseURL, cfg.SyndicationTargets[0].UID)

	handler := handlers.New(cfg, db, blobs, flow, validator, ledger, publisher, logger)

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("conformance server listening", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
