package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/time/rate"

	"github.com/zombor/haul-tracker/internal/extract"
	"github.com/zombor/haul-tracker/internal/haul"
	"github.com/zombor/haul-tracker/internal/pricing"
	"github.com/zombor/haul-tracker/internal/rates"
	"github.com/zombor/haul-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := pricing.DefaultConfig()

	fs := ff.NewFlagSet("haul-tracker")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "haul-tracker.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./screenshots", "Screenshot storage directory")
		scannerType  = fs.StringLong("scanner", "gemini", "Transcriber: 'gemini' or 'ollama'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		ratesURL     = fs.StringLong("rates-url", rates.DefaultBaseURL, "Exchange rate API base URL")
		jwtSecret    = fs.StringLong("jwt-secret", "", "Secret used to sign access tokens")
		tokenTTL     = fs.DurationLong("token-ttl", 24*time.Hour, "Access token lifetime")
		cnyUSD       = fs.Float64Long("cny-usd", defaults.SourceToUSD, "USD per unit of the listing currency")
		postalFee    = fs.Float64Long("postal-fee", defaults.PostalSurchargeLocal, "Flat postal handling fee in local currency")
		exemptionUSD = fs.Float64Long("exemption-usd", defaults.ExemptionUSD, "Duty-free allowance in USD")
		dutyRate     = fs.Float64Long("duty-rate", defaults.DutyRate, "Import duty rate")
		scanRate     = fs.Float64Long("scan-rate", 0.2, "Screenshot uploads per second per user (0 disables)")
		scanBurst    = fs.IntLong("scan-burst", 3, "Screenshot upload burst per user")
		debug        = fs.BoolLong("debug", "Log extraction details")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("HAUL_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tokens, err := haul.NewTokens(*jwtSecret, *tokenTTL)
	if err != nil {
		slog.Error("A token secret is required. Set --jwt-secret or HAUL_TRACKER_JWT_SECRET", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := haul.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize transcriber based on type
	var transcriber scanning.Transcriber
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini transcriber...", "model", *geminiModel)
		transcriber, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama transcriber...", "url", *ollamaURL, "model", *ollamaModel)
		transcriber, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer transcriber.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := haul.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := haul.NewService(haul.Deps{
		DB:          db,
		Transcriber: transcriber,
		Storage:     store,
		Rates:       rates.NewClient(*ratesURL),
		Engine: pricing.NewEngine(pricing.Config{
			SourceToUSD:          *cnyUSD,
			PostalSurchargeLocal: *postalFee,
			ExemptionUSD:         *exemptionUSD,
			DutyRate:             *dutyRate,
		}),
		Parser: extract.New(extract.WithLogger(logger.With("component", "extract"))),
	})

	throttle := haul.ScanThrottle{Rate: rate.Limit(*scanRate), Burst: *scanBurst}
	if *scanRate <= 0 {
		throttle.Rate = rate.Inf
	}
	server := haul.NewServer(service, tokens, throttle)

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
