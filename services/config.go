package services

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	AI        AIConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Interview InterviewConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	URL          string
	Seed         bool
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

type AIConfig struct {
	GeminiAPIKey string
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	AllowedOrigins string
}

// InterviewConfig hoists the progression constants into one validated place:
// the per-category question target, the fixed overall denominator, and the
// percentage at which test mode unlocks.
type InterviewConfig struct {
	DefaultCategoryTarget int
	OverallQuestionTarget int
	TestUnlockThreshold   int
}

// Validate checks the interview constants at startup
func (c InterviewConfig) Validate() error {
	if c.DefaultCategoryTarget <= 0 {
		return fmt.Errorf("interview.default_category_target must be positive, got %d", c.DefaultCategoryTarget)
	}
	if c.OverallQuestionTarget <= 0 {
		return fmt.Errorf("interview.overall_question_target must be positive, got %d", c.OverallQuestionTarget)
	}
	if c.TestUnlockThreshold < 0 || c.TestUnlockThreshold > 100 {
		return fmt.Errorf("interview.test_unlock_threshold must be in [0,100], got %d", c.TestUnlockThreshold)
	}
	return nil
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.seed", "true")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("interview.default_category_target", "15")
	viper.SetDefault("interview.overall_question_target", "135")
	viper.SetDefault("interview.test_unlock_threshold", "70")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.seed", "DATABASE_SEED")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("interview.default_category_target", "INTERVIEW_DEFAULT_CATEGORY_TARGET")
	viper.BindEnv("interview.overall_question_target", "INTERVIEW_OVERALL_QUESTION_TARGET")
	viper.BindEnv("interview.test_unlock_threshold", "INTERVIEW_TEST_UNLOCK_THRESHOLD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			Seed:         viper.GetBool("database.seed"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		AI: AIConfig{
			GeminiAPIKey: viper.GetString("gemini.api_key"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Interview: InterviewConfig{
			DefaultCategoryTarget: viper.GetInt("interview.default_category_target"),
			OverallQuestionTarget: viper.GetInt("interview.overall_question_target"),
			TestUnlockThreshold:   viper.GetInt("interview.test_unlock_threshold"),
		},
	}
}
