package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTQoS      byte

	DBPath   string
	HTTPAddr string

	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchSize         int
	NormalizeInterval time.Duration

	// Forecast configuration.
	ForecastModel        string
	ForecastAlpha        float64
	ForecastBeta         float64
	ForecastGamma        float64
	ForecastSeasonLength int
	ForecastSeasonalMode string
	ForecastStep         time.Duration
	ForecastSteps        int

	// Control loop configuration. An empty device list disables control.
	ControlDevices  []string
	ControlInterval time.Duration
	HumidityUpper   float64
	HumidityLower   float64
	MinDwell        time.Duration
	ReadingMaxAge   time.Duration

	// Actuation configuration.
	ActuatorEndpoints   map[string]string
	ActuatorTimeout     time.Duration
	ActuatorMaxAttempts int
	ActuatorRetryBase   time.Duration
	ActuatorRetryMax    time.Duration

	// Kafka export configuration. No brokers means the export is disabled.
	KafkaBrokers     []string
	KafkaExportTopic string
	ExportEnabled    bool
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is read first when
// present; missing is fine.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := durationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	normalizeInterval, err := durationEnv("NORMALIZE_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	controlInterval, err := durationEnv("CONTROL_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}
	minDwell, err := durationEnv("MIN_DWELL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	readingMaxAge, err := durationEnv("READING_MAX_AGE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	actuatorTimeout, err := durationEnv("ACTUATOR_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	actuatorRetryBase, err := durationEnv("ACTUATOR_RETRY_BASE", 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	actuatorRetryMax, err := durationEnv("ACTUATOR_RETRY_MAX", 5*time.Second)
	if err != nil {
		return nil, err
	}
	forecastStep, err := durationEnv("FORECAST_STEP", time.Minute)
	if err != nil {
		return nil, err
	}

	batchSize, err := intEnv("BATCH_SIZE", 200)
	if err != nil {
		return nil, err
	}
	qos, err := intEnv("MQTT_QOS", 1)
	if err != nil {
		return nil, err
	}
	seasonLength, err := intEnv("FORECAST_SEASON_LENGTH", 60)
	if err != nil {
		return nil, err
	}
	forecastSteps, err := intEnv("FORECAST_STEPS", 30)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := intEnv("ACTUATOR_MAX_ATTEMPTS", 4)
	if err != nil {
		return nil, err
	}

	alpha, err := floatEnv("FORECAST_ALPHA", 0.3)
	if err != nil {
		return nil, err
	}
	beta, err := floatEnv("FORECAST_BETA", 0.2)
	if err != nil {
		return nil, err
	}
	gamma, err := floatEnv("FORECAST_GAMMA", 0.1)
	if err != nil {
		return nil, err
	}
	humidityUpper, err := floatEnv("HUMIDITY_UPPER", 75)
	if err != nil {
		return nil, err
	}
	humidityLower, err := floatEnv("HUMIDITY_LOWER", 40)
	if err != nil {
		return nil, err
	}

	endpoints, err := parseEndpoints("ACTUATOR_ENDPOINTS")
	if err != nil {
		return nil, err
	}

	kafkaBrokers := ParseList(os.Getenv("KAFKA_BROKERS"))

	cfg := &Config{
		MQTTBroker:   EnvOrDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:    EnvOrDefault("MQTT_TOPIC", "MSN/group6/#"),
		MQTTClientID: EnvOrDefault("MQTT_CLIENT_ID", "climate-pipeline-"+uuid.NewString()[:8]),
		MQTTQoS:      byte(qos),

		DBPath:   EnvOrDefault("DB_PATH", "climate.db"),
		HTTPAddr: EnvOrDefault("HTTP_ADDR", ":8080"),

		LogLevel:        EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		BatchSize:         batchSize,
		NormalizeInterval: normalizeInterval,

		ForecastModel:        EnvOrDefault("FORECAST_MODEL", "des"),
		ForecastAlpha:        alpha,
		ForecastBeta:         beta,
		ForecastGamma:        gamma,
		ForecastSeasonLength: seasonLength,
		ForecastSeasonalMode: EnvOrDefault("FORECAST_SEASONAL_MODE", "additive"),
		ForecastStep:         forecastStep,
		ForecastSteps:        forecastSteps,

		ControlDevices:  ParseList(os.Getenv("CONTROL_DEVICES")),
		ControlInterval: controlInterval,
		HumidityUpper:   humidityUpper,
		HumidityLower:   humidityLower,
		MinDwell:        minDwell,
		ReadingMaxAge:   readingMaxAge,

		ActuatorEndpoints:   endpoints,
		ActuatorTimeout:     actuatorTimeout,
		ActuatorMaxAttempts: maxAttempts,
		ActuatorRetryBase:   actuatorRetryBase,
		ActuatorRetryMax:    actuatorRetryMax,

		KafkaBrokers:     kafkaBrokers,
		KafkaExportTopic: EnvOrDefault("KAFKA_EXPORT_TOPIC", "normalized-readings"),
		ExportEnabled:    len(kafkaBrokers) > 0,
	}

	if cfg.MQTTBroker == "" {
		return nil, errors.New("MQTT_BROKER is required")
	}
	if cfg.MQTTTopic == "" {
		return nil, errors.New("MQTT_TOPIC is required")
	}
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("MQTT_QOS must be 0, 1, or 2, got %d", qos)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	switch cfg.ForecastModel {
	case "ses", "des", "tes":
	default:
		return nil, fmt.Errorf("FORECAST_MODEL must be ses, des, or tes, got %q", cfg.ForecastModel)
	}
	switch cfg.ForecastSeasonalMode {
	case "additive", "multiplicative":
	default:
		return nil, fmt.Errorf("FORECAST_SEASONAL_MODE must be additive or multiplicative, got %q", cfg.ForecastSeasonalMode)
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("FORECAST_ALPHA must be in (0,1), got %g", alpha)
	}
	if cfg.ForecastModel != "ses" && (beta <= 0 || beta >= 1) {
		return nil, fmt.Errorf("FORECAST_BETA must be in (0,1), got %g", beta)
	}
	if cfg.ForecastModel == "tes" {
		if gamma <= 0 || gamma >= 1 {
			return nil, fmt.Errorf("FORECAST_GAMMA must be in (0,1), got %g", gamma)
		}
		if seasonLength < 2 {
			return nil, fmt.Errorf("FORECAST_SEASON_LENGTH must be at least 2, got %d", seasonLength)
		}
	}
	if cfg.ForecastSteps <= 0 {
		return nil, fmt.Errorf("FORECAST_STEPS must be positive, got %d", cfg.ForecastSteps)
	}
	if humidityLower < 0 || humidityUpper > 100 || humidityLower >= humidityUpper {
		return nil, fmt.Errorf("HUMIDITY_LOWER/HUMIDITY_UPPER must satisfy 0 <= lower < upper <= 100, got %g/%g",
			humidityLower, humidityUpper)
	}
	if cfg.ActuatorMaxAttempts < 1 {
		return nil, fmt.Errorf("ACTUATOR_MAX_ATTEMPTS must be at least 1, got %d", cfg.ActuatorMaxAttempts)
	}
	for _, device := range cfg.ControlDevices {
		if _, ok := cfg.ActuatorEndpoints[device]; !ok {
			return nil, fmt.Errorf("CONTROL_DEVICES entry %q has no ACTUATOR_ENDPOINTS entry", device)
		}
	}

	return cfg, nil
}
