package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"claas/hub/schema"
	"claas/hub/services"
	"claas/hub/storage"
	"claas/hub/worker"
	"claas/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type claasEnv struct {
	ShareDir    string `env:"CLAAS_SHARE_DIR,required"`
	DatabaseUri string `env:"CLAAS_DATABASE_URI,required"`
	JwtSecret   string `env:"CLAAS_JWT_SECRET,required"`

	TokenTtlMinutes int `env:"CLAAS_TOKEN_TTL_MINUTES" envDefault:"60"`
	WorkerPoolSize  int `env:"CLAAS_WORKER_POOL_SIZE" envDefault:"4"`
	WorkerQueueSize int `env:"CLAAS_WORKER_QUEUE_SIZE" envDefault:"16"`

	AllowedOrigin string `env:"CLAAS_ALLOWED_ORIGIN" envDefault:"*"`

	SendgridApiKey string `env:"SENDGRID_API_KEY"`
	NotifyFrom     string `env:"CLAAS_NOTIFY_FROM"`
}

func loadEnv(envFile string) claasEnv {
	if envFile != "" {
		slog.Info(fmt.Sprintf("loading env from file %v", envFile))
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading env file '%v': %v", envFile, err)
		}
	}

	var cfg claasEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing environment: %v", err)
	}
	return cfg
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

// initDb opens the configured database. Postgres uris get the postgres
// driver, anything else is treated as a sqlite path so a single node setup
// needs no database server.
func initDb(uri string) *gorm.DB {
	var dialector gorm.Dialector
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		dialector = postgres.Open(postgresDsn(uri))
	} else {
		dialector = sqlite.Open(uri)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.Workspace{}, &schema.ResourceConfig{},
		&schema.Execution{}, &schema.RepoFile{}, &schema.JobLog{},
	)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))

	jsonHandler := slog.NewJSONHandler(logFile, logging.GetVictoriaLogsOptions(false))
	textHandler := slog.NewTextHandler(os.Stderr, nil)
	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))

	slog.Info("logging initialized", "log_file", logFile.Name(), "code", logging.SYSTEM)
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	cfg := loadEnv(*envFile)

	err := os.MkdirAll(filepath.Join(cfg.ShareDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.ShareDir, "logs/claas.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	initLogging(logFile)

	db := initDb(cfg.DatabaseUri)

	sharedStorage := storage.NewSharedDisk(cfg.ShareDir)

	pool := worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize)

	mailer := services.NewMailer(cfg.SendgridApiKey, cfg.NotifyFrom)

	hub := services.NewHub(
		db,
		sharedStorage,
		[]byte(cfg.JwtSecret),
		time.Duration(cfg.TokenTtlMinutes)*time.Minute,
		pool,
		mailer,
	)
	defer hub.Stop()

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", hub.Routes())

	slog.Info("starting server", "port", *port, "code", logging.SYSTEM)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
