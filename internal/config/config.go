package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Environment string
	HTTPAddr    string
	DataDir     string
	DBPath      string

	WebhookSecret string

	WorkerCount          int
	WorkerPollSec        int
	JobDeadlineSec       int
	VisibilityTimeoutSec int
	MaxAttempts          int
	BackoffBaseSec       int
	BackoffCapSec        int
	DedupWindowSec       int

	LLMBaseURL          string
	LLMAPIKey           string
	LLMModel            string
	LLMTimeoutSec       int
	GenerationRetries   int
	GenerationBackoffMS int
	PromptTokenBudget   int
	HistoryWindow       int
	SystemPrompt        string
	SummaryEveryTurns   int

	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string

	QdrantHost     string
	QdrantPort     int
	QdrantUseTLS   bool
	Collection     string
	RetrievalTopK  int
	RetrievalFloor float64
	CorpusDir      string
	WatchCorpus    bool
	WatchDebounceS int

	EvolutionHost     string
	EvolutionAPIKey   string
	DeliveryRetries   int
	DeliveryBackoffMS int
	MaxMessageLength  int
	MaxTypingDelaySec int

	ReaperSchedule string
	PruneSchedule  string
	ReportSchedule string
}

func FromEnv() Config {
	dataDir := stringOrDefault("BOTJURIS_DATA_DIR", "/data")
	dbPath := stringOrDefault("BOTJURIS_DB_PATH", filepath.Join(dataDir, "botjuris", "botjuris.sqlite"))

	return Config{
		Environment: stringOrDefault("BOTJURIS_ENV", "development"),
		HTTPAddr:    stringOrDefault("BOTJURIS_HTTP_ADDR", ":8080"),
		DataDir:     dataDir,
		DBPath:      dbPath,

		WebhookSecret: os.Getenv("BOTJURIS_WEBHOOK_SECRET"),

		WorkerCount:          intOrDefault("BOTJURIS_WORKER_COUNT", 4),
		WorkerPollSec:        intOrDefault("BOTJURIS_WORKER_POLL_SECONDS", 1),
		JobDeadlineSec:       intOrDefault("BOTJURIS_JOB_DEADLINE_SECONDS", 120),
		VisibilityTimeoutSec: intOrDefault("BOTJURIS_VISIBILITY_TIMEOUT_SECONDS", 60),
		MaxAttempts:          intOrDefault("BOTJURIS_MAX_ATTEMPTS", 5),
		BackoffBaseSec:       intOrDefault("BOTJURIS_BACKOFF_BASE_SECONDS", 1),
		BackoffCapSec:        intOrDefault("BOTJURIS_BACKOFF_CAP_SECONDS", 30),
		DedupWindowSec:       intOrDefault("BOTJURIS_DEDUP_WINDOW_SECONDS", 900),

		LLMBaseURL:          stringOrDefault("BOTJURIS_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:           strings.TrimSpace(os.Getenv("BOTJURIS_LLM_API_KEY")),
		LLMModel:            stringOrDefault("BOTJURIS_LLM_MODEL", "gpt-4o-mini"),
		LLMTimeoutSec:       intOrDefault("BOTJURIS_LLM_TIMEOUT_SECONDS", 60),
		GenerationRetries:   intOrDefault("BOTJURIS_GENERATION_RETRIES", 3),
		GenerationBackoffMS: intOrDefault("BOTJURIS_GENERATION_BACKOFF_MS", 500),
		PromptTokenBudget:   intOrDefault("BOTJURIS_PROMPT_TOKEN_BUDGET", 6000),
		HistoryWindow:       intOrDefault("BOTJURIS_HISTORY_WINDOW", 20),
		SystemPrompt:        stringOrDefault("BOTJURIS_SYSTEM_PROMPT", "Você é uma assistente jurídica. Responda com clareza, cite a base legal quando aplicável e recomende um advogado para casos concretos."),
		SummaryEveryTurns:   intOrDefault("BOTJURIS_SUMMARY_EVERY_TURNS", 20),

		EmbeddingBaseURL: stringOrDefault("BOTJURIS_EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:  strings.TrimSpace(os.Getenv("BOTJURIS_EMBEDDING_API_KEY")),
		EmbeddingModel:   stringOrDefault("BOTJURIS_EMBEDDING_MODEL", "text-embedding-3-small"),

		QdrantHost:     stringOrDefault("BOTJURIS_QDRANT_HOST", "localhost"),
		QdrantPort:     intOrDefault("BOTJURIS_QDRANT_PORT", 6334),
		QdrantUseTLS:   boolOrDefault("BOTJURIS_QDRANT_TLS", false),
		Collection:     stringOrDefault("BOTJURIS_QDRANT_COLLECTION", "legal_passages"),
		RetrievalTopK:  intOrDefault("BOTJURIS_RETRIEVAL_TOP_K", 5),
		RetrievalFloor: floatOrDefault("BOTJURIS_RETRIEVAL_SCORE_FLOOR", 0.25),
		CorpusDir:      stringOrDefault("BOTJURIS_CORPUS_DIR", filepath.Join(dataDir, "corpus")),
		WatchCorpus:    boolOrDefault("BOTJURIS_WATCH_CORPUS", true),
		WatchDebounceS: intOrDefault("BOTJURIS_WATCH_DEBOUNCE_SECONDS", 3),

		EvolutionHost:     stringOrDefault("BOTJURIS_EVOLUTION_HOST", "http://localhost:8081"),
		EvolutionAPIKey:   os.Getenv("BOTJURIS_EVOLUTION_API_KEY"),
		DeliveryRetries:   intOrDefault("BOTJURIS_DELIVERY_RETRIES", 5),
		DeliveryBackoffMS: intOrDefault("BOTJURIS_DELIVERY_BACKOFF_MS", 3000),
		MaxMessageLength:  intOrDefault("BOTJURIS_MAX_MESSAGE_LENGTH", 4000),
		MaxTypingDelaySec: intOrDefault("BOTJURIS_MAX_TYPING_DELAY_SECONDS", 10),

		ReaperSchedule: stringOrDefault("BOTJURIS_REAPER_SCHEDULE", "@every 30s"),
		PruneSchedule:  stringOrDefault("BOTJURIS_PRUNE_SCHEDULE", "@every 5m"),
		ReportSchedule: stringOrDefault("BOTJURIS_REPORT_SCHEDULE", "@every 1m"),
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func floatOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
