package properties

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config carries every externally tunable setting. It is built once in main
// and passed down explicitly; no package reads the environment on its own.
type Config struct {
	RootPath string `env:"ROOT_PATH" envDefault:"./data"`

	// Raster export API session.
	ExportBaseURL      string `env:"EXPORT_API_BASE_URL"`
	ExportClientID     string `env:"EXPORT_API_CLIENT_ID"`
	ExportClientSecret string `env:"EXPORT_API_CLIENT_SECRET"`
	ExportTokenURL     string `env:"EXPORT_API_TOKEN_URL"`

	FetchConcurrency int           `env:"FETCH_CONCURRENCY" envDefault:"4"`
	RequestInterval  time.Duration `env:"REQUEST_INTERVAL" envDefault:"500ms"`
	DownloadTimeout  time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"10m"`
	DownloadRetries  int           `env:"DOWNLOAD_RETRIES" envDefault:"3"`

	DiscordErrorNotificationURL   string `env:"DISCORD_ERROR_NOTIFICATION_URL"`
	DiscordSuccessNotificationURL string `env:"DISCORD_SUCCESS_NOTIFICATION_URL"`
}

// Load reads an optional .env file and parses the environment into a Config.
// Real environment variables win over .env entries.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}
	if cfg.DownloadRetries < 1 {
		cfg.DownloadRetries = 1
	}
	return cfg, nil
}
