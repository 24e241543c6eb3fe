// Package config отвечает за сбор и предоставление конфигурации всего приложения
// (очередь загрузок для чат-бота). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о значениях, подставленных по умолчанию,
//  4. предоставляет потокобезопасный доступ к результату через R/W мьютекс.
//
// Бизнес-контекст: один .env описывает пути к файлам очереди/результатов/блокировок,
// поведение worker'а (частота опроса, число попыток, задержка ретрая колбэка),
// сетевые адреса Enqueue API и Callback-сервера, токен аутентификации колбэков и
// пути к файлам доступа бота.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	QueueFile              string
	ResultsFile            string
	LockFile               string
	CompactAfterLines      int
	WorkerPollSeconds      int
	WorkerMaxAttempts      int
	CallbackRetryAttempts  int
	CallbackRetryDelay     time.Duration
	ServiceHost            string
	ServicePort            int
	CallbackHost           string
	CallbackPort           int
	CallbackAuthToken      string
	AuthorizedChatsFile    string
	WhitelistFile          string
	SingleInstanceLockFile string
	LogLevel               string
	LogFile                string
	Debug                  bool
	YtdlpBinary            string
	DownloadsDir           string
	YtdlpSpawnsPerSecond   int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultQueueFile              = "data/queue.jsonl"
	defaultResultsFile            = "data/results.jsonl"
	defaultLockFile               = "data/queue.lock"
	defaultCompactAfterLines      = 1000
	minCompactAfterLines          = 100
	defaultWorkerPollSeconds      = 3
	defaultWorkerMaxAttempts      = 3
	defaultCallbackRetryAttempts  = 3
	defaultCallbackRetryDelayMS   = 800
	defaultServiceHost            = "0.0.0.0"
	defaultServicePort            = 8000
	defaultCallbackHost           = "127.0.0.1"
	defaultCallbackPort           = 8090
	defaultAuthorizedChatsFile    = "data/authorized_chats.json"
	defaultWhitelistFile          = "data/whitelist.txt"
	defaultSingleInstanceLockFile = "data/worker.lock"
	defaultLogLevel               = "info"
	defaultYtdlpBinary             = "yt-dlp"
	defaultDownloadsDir            = "data/downloads"
	defaultYtdlpSpawnsPerSecond    = 2
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  3. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// godotenv.Load returning an error just means the .env file is absent;
	// that's fine, env vars may already be set by the process environment.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var warnings []string

	authToken := strings.TrimSpace(os.Getenv("CALLBACK_AUTH_TOKEN"))
	if authToken == "" {
		return nil, errors.New("env CALLBACK_AUTH_TOKEN must be set")
	}

	queueFile := sanitizeFile("QUEUE_FILE", os.Getenv("QUEUE_FILE"), defaultQueueFile, &warnings)
	resultsFile := sanitizeFile("RESULTS_FILE", os.Getenv("RESULTS_FILE"), defaultResultsFile, &warnings)
	lockFile := sanitizeFile("LOCK_FILE", os.Getenv("LOCK_FILE"), defaultLockFile, &warnings)
	compactAfter := parseIntDefault("COMPACT_AFTER_LINES", defaultCompactAfterLines, atLeast(minCompactAfterLines), &warnings)
	pollSeconds := parseIntDefault("WORKER_POLL_SECONDS", defaultWorkerPollSeconds, greaterThanZero, &warnings)
	maxAttempts := parseIntDefault("WORKER_MAX_ATTEMPTS", defaultWorkerMaxAttempts, greaterThanZero, &warnings)
	retryAttempts := parseIntDefault("CALLBACK_RETRY_ATTEMPTS", defaultCallbackRetryAttempts, greaterThanZero, &warnings)
	retryDelayMS := parseIntDefault("CALLBACK_RETRY_DELAY_MS", defaultCallbackRetryDelayMS, greaterThanZero, &warnings)
	serviceHost := sanitizeFile("SERVICE_HOST", os.Getenv("SERVICE_HOST"), defaultServiceHost, &warnings)
	servicePort := parseIntDefault("SERVICE_PORT", defaultServicePort, validPort, &warnings)
	callbackHost := sanitizeFile("CALLBACK_HOST", os.Getenv("CALLBACK_HOST"), defaultCallbackHost, &warnings)
	callbackPort := parseIntDefault("CALLBACK_PORT", defaultCallbackPort, validPort, &warnings)
	authorizedChatsFile := sanitizeFile("AUTHORIZED_CHATS_FILE", os.Getenv("AUTHORIZED_CHATS_FILE"),
		defaultAuthorizedChatsFile, &warnings)
	whitelistFile := sanitizeFile("WHITELIST_FILE", os.Getenv("WHITELIST_FILE"), defaultWhitelistFile, &warnings)
	singleInstanceLockFile := sanitizeFile("SINGLE_INSTANCE_LOCK_FILE", os.Getenv("SINGLE_INSTANCE_LOCK_FILE"),
		defaultSingleInstanceLockFile, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	debug := strings.EqualFold(strings.TrimSpace(os.Getenv("DEBUG")), "true")
	ytdlpBinary := sanitizeFile("YTDLP_BINARY", os.Getenv("YTDLP_BINARY"), defaultYtdlpBinary, &warnings)
	downloadsDir := sanitizeFile("DOWNLOADS_DIR", os.Getenv("DOWNLOADS_DIR"), defaultDownloadsDir, &warnings)
	ytdlpSpawnsPerSecond := parseIntDefault("YTDLP_SPAWNS_PER_SECOND", defaultYtdlpSpawnsPerSecond, greaterThanZero, &warnings)

	env := EnvConfig{
		QueueFile:              queueFile,
		ResultsFile:            resultsFile,
		LockFile:               lockFile,
		CompactAfterLines:      compactAfter,
		WorkerPollSeconds:      pollSeconds,
		WorkerMaxAttempts:      maxAttempts,
		CallbackRetryAttempts:  retryAttempts,
		CallbackRetryDelay:     time.Duration(retryDelayMS) * time.Millisecond,
		ServiceHost:            serviceHost,
		ServicePort:            servicePort,
		CallbackHost:           callbackHost,
		CallbackPort:           callbackPort,
		CallbackAuthToken:      authToken,
		AuthorizedChatsFile:    authorizedChatsFile,
		WhitelistFile:          whitelistFile,
		SingleInstanceLockFile: singleInstanceLockFile,
		LogLevel:               logLevel,
		LogFile:                logFile,
		Debug:                  debug,
		YtdlpBinary:            ytdlpBinary,
		DownloadsDir:           downloadsDir,
		YtdlpSpawnsPerSecond:   ytdlpSpawnsPerSecond,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/atLeast/validPort — простые валидаторы чисел.
func greaterThanZero(v int) bool  { return v > 0 }
func validPort(v int) bool        { return v > 0 && v <= 65535 }
func atLeast(min int) func(int) bool {
	return func(v int) bool { return v >= min }
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
