package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// Admission control. A limit <= 0 disables that counter.
	ChatRPM              int
	WebSearchRPM         int
	MaxConcurrentStreams int

	// Charging a rejected over-limit attempt keeps retry storms from
	// resetting the window. Tunable policy, on by default.
	RateCountRejected bool

	// Credit accounting.
	CreditsEnabled      bool
	ChatCreditCost      int64
	WebSearchCreditCost int64

	// Upstream provider credentials. All absent is a valid degraded state.
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	GeminiAPIKey    string
	BedrockRegion   string

	// Web search collaborator.
	SearchAPIKey  string
	SearchBaseURL string

	HistoryLimit int

	// AWS-side wiring, all optional.
	AWSRegion     string
	SecretsName   string
	SNSTopicARN   string
	UsageQueueURL string

	OTLPEndpoint string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                 getEnv("ADDR", ":8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		ChatRPM:              getIntEnv("CHAT_RPM", 20),
		WebSearchRPM:         getIntEnv("WEB_SEARCH_RPM", 5),
		MaxConcurrentStreams: getIntEnv("MAX_CONCURRENT_STREAMS", 3),
		RateCountRejected:    getEnv("RATE_COUNT_REJECTED", "true") == "true",
		CreditsEnabled:       getEnv("CREDITS_ENABLED", "true") == "true",
		ChatCreditCost:       int64(getIntEnv("CHAT_CREDIT_COST", 1)),
		WebSearchCreditCost:  int64(getIntEnv("WEB_SEARCH_CREDIT_COST", 2)),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		DeepSeekAPIKey:       getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL:      getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		BedrockRegion:        getEnv("BEDROCK_REGION", ""),
		SearchAPIKey:         getEnv("SEARCH_API_KEY", ""),
		SearchBaseURL:        getEnv("SEARCH_BASE_URL", "https://api.tavily.com"),
		HistoryLimit:         getIntEnv("HISTORY_LIMIT", 20),
		AWSRegion:            getEnv("AWS_REGION", ""),
		SecretsName:          getEnv("SECRETS_NAME", ""),
		SNSTopicARN:          getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL:        getEnv("USAGE_QUEUE_URL", ""),
		OTLPEndpoint:         getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:      getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
