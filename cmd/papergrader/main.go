package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/papergrader/internal/embed"
	"github.com/pavelanni/papergrader/internal/grading"
	"github.com/pavelanni/papergrader/internal/handler"
	"github.com/pavelanni/papergrader/internal/hybrid"
	appI18n "github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/llm/prompts"
	"github.com/pavelanni/papergrader/internal/lock"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/ocr"
	"github.com/pavelanni/papergrader/internal/paper"
	"github.com/pavelanni/papergrader/internal/scorer"
	"github.com/pavelanni/papergrader/internal/sequence"
	"github.com/pavelanni/papergrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "papergrader",
		Short: "Answer-sheet segmentation and scoring engine",
	}

	serve := serveCmd()
	root.AddCommand(serve, parsePaperCmd(), analyzeCmd(), scoreCmd(), ocrCmd(), criteriaCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStoreFlags(f)
	addScoringFlags(f)
	addOCRFlags(f)
	f.String("redis-addr", "", "Redis address for OR-group locks shared between instances (empty = in-process locks)")
	f.Duration("lock-ttl", 30*time.Second, "Expiry of an unrefreshed Redis lock after its holder dies")
	f.StringSlice("cors-origins", nil, "Allowed browser origins (repeatable; empty disables CORS)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grader)")
	f.Int("parallelism", 4, "Concurrent scoring calls per evaluation")
	f.String("upload-dir", "uploads", "Directory for uploaded answer-sheet images")
	f.Duration("request-timeout", 2*time.Minute, "Per-request timeout")
	f.String("admin-password", "", "Initial admin password (or set PAPERGRADER_ADMIN_PASSWORD)")
	addLogFlags(f)
	return cmd
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db", "papergrader.db", "SQLite database path")
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("dsn", "", "PostgreSQL connection string (with --db-driver postgres)")
}

func addScoringFlags(f *pflag.FlagSet) {
	f.StringP("lang", "l", "en", "Feedback language (en, ru)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty = local scoring only)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float64("llm-weight", 0.6, "Share of the LLM mark in the combined mark (0-1)")
	f.Duration("llm-timeout", 30*time.Second, "Timeout for one LLM scoring call")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("embed-url", "", "OpenAI-compatible embeddings base URL (empty = local similarity only)")
	f.String("embed-key", "", "API key for the embeddings endpoint")
	f.String("embed-model", "text-embedding-3-small", "Embedding model name")
	f.Float64("unrelated-threshold", scorer.DefaultThresholds().Unrelated, "Similarity below which an answer is unrelated")
	f.Float64("exact-threshold", scorer.DefaultThresholds().ExactMatch, "Similarity at or above which an answer is an exact match")
}

func addOCRFlags(f *pflag.FlagSet) {
	f.String("ocr-engine", "gemini", "OCR engine (gemini, tesseract, text)")
	f.String("gemini-key", "", "Gemini API key (or set PAPERGRADER_GEMINI_KEY)")
	f.String("gemini-model", "gemini-1.5-flash", "Gemini model for OCR")
	f.String("tesseract-path", "tesseract", "Path to the tesseract binary")
	f.String("tesseract-lang", "eng", "Tesseract language")
	f.Duration("ocr-timeout", 60*time.Second, "Timeout for one OCR call")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PAPERGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("papergrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/papergrader")
	v.AddConfigPath("/etc/papergrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	switch store.Driver(strings.ToLower(v.GetString("db-driver"))) {
	case store.DriverPostgres:
		dsn := v.GetString("dsn")
		if dsn == "" {
			return nil, errors.New("--dsn is required with --db-driver postgres")
		}
		return store.Open(ctx, store.DriverPostgres, dsn)
	case store.DriverSQLite, "":
		return store.New(v.GetString("db"))
	default:
		return nil, fmt.Errorf("unknown database driver %q", v.GetString("db-driver"))
	}
}

// buildScorers returns the local signal scorer and the scorer used for
// grading, which blends in the LLM when --llm-url is set.
func buildScorers(ctx context.Context, v *viper.Viper) (*scorer.Scorer, *hybrid.Combiner, error) {
	th := scorer.DefaultThresholds()
	th.Unrelated = v.GetFloat64("unrelated-threshold")
	th.ExactMatch = v.GetFloat64("exact-threshold")

	var primary embed.Provider
	if url := v.GetString("embed-url"); url != "" {
		primary = embed.WithFallback(embed.NewOpenAI(url, v.GetString("embed-key"), v.GetString("embed-model")), embed.Stemmed{})
		slog.Info("remote embeddings enabled", "url", url, "model", v.GetString("embed-model"))
	}
	local := scorer.New(primary, nil, th)

	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	cfg := hybrid.Config{
		LLMWeight: v.GetFloat64("llm-weight"),
		Timeout:   v.GetDuration("llm-timeout"),
		Variant:   prompts.PromptVariant(variant),
	}

	var remote hybrid.RemoteScorer
	if url := v.GetString("llm-url"); url != "" {
		client := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"))
		if err := client.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"))
		remote = client
	}
	return local, hybrid.New(local, remote, cfg), nil
}

func buildExtractor(v *viper.Viper) (ocr.Extractor, error) {
	return ocr.New(ocr.Config{
		Engine:        v.GetString("ocr-engine"),
		GeminiAPIKey:  v.GetString("gemini-key"),
		GeminiModel:   v.GetString("gemini-model"),
		TesseractPath: v.GetString("tesseract-path"),
		TesseractLang: v.GetString("tesseract-lang"),
		Timeout:       v.GetDuration("ocr-timeout"),
	})
}

func buildLocker(ctx context.Context, v *viper.Viper) (lock.Locker, func(), error) {
	addr := v.GetString("redis-addr")
	if addr == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	slog.Info("using redis locks", "addr", addr)
	return lock.NewRedis(client, "papergrader:lock:", v.GetDuration("lock-ttl")), func() { client.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := db.CleanupExpiredSessions(ctx); err != nil {
		slog.Warn("failed to clean up expired sessions", "error", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	local, combined, err := buildScorers(ctx, v)
	if err != nil {
		return err
	}

	extractor, err := buildExtractor(v)
	if err != nil {
		// Text submissions still work; image uploads report the missing engine.
		slog.Warn("OCR disabled", "engine", v.GetString("ocr-engine"), "error", err)
		extractor = nil
	}

	locker, closeLocker, err := buildLocker(ctx, v)
	if err != nil {
		return err
	}
	defer closeLocker()

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	apiCfg := model.APIConfig{
		BasePath:    basePath,
		Lang:        lang,
		CORSOrigins: v.GetStringSlice("cors-origins"),
		Parallelism: v.GetInt("parallelism"),
	}

	gcfg := grading.DefaultConfig()
	gcfg.Parallelism = apiCfg.Parallelism
	gcfg.OCRTimeout = v.GetDuration("ocr-timeout")
	svc := grading.New(db, combined, extractor, locker, gcfg)

	h, err := handler.New(db, svc, handler.Options{
		API:       apiCfg,
		Paper:     paper.DefaultConfig(),
		Sequence:  sequence.DefaultConfig(),
		Validator: local,
		UploadDir: v.GetString("upload-dir"),
		Timeout:   v.GetDuration("request-timeout"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: h.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"llm_url", v.GetString("llm-url"),
		"llm_weight", v.GetFloat64("llm-weight"),
		"ocr_engine", v.GetString("ocr-engine"),
		"lang", lang,
		"parallelism", apiCfg.Parallelism,
		"base_path", basePath,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PAPERGRADER_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
