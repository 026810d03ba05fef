package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"fallsentry/internal/models"
	common "fallsentry/pkg/config"
)

// Config 跌倒检测报警引擎配置
type Config struct {
	Database common.DatabaseConfig
	Redis    common.RedisConfig
	MQTT     common.MQTTConfig

	// 检测事件摄入配置
	Detection struct {
		Stream        string // 检测事件流名称，如 "fallsentry:detections"
		ConsumerGroup string // 消费者组名称
		ConsumerName  string // 消费者名称（实例标识）
		ReadBatch     int64  // 单次读取消息数，默认 16
		QueueSize     int    // 内存队列容量（背压边界），默认 256
		Workers       int    // 分类/摄入工作协程数，默认 4
	}

	// 级别分类配置（置信度阈值）
	Severity struct {
		CriticalConfidence float64 // critical 阈值，默认 0.95
		HighConfidence     float64 // high 阈值，默认 0.85
		MediumConfidence   float64 // medium 阈值，默认 0.75
		HotZoneIncidents   int     // 热点区域升级所需历史事件数，默认 3
		HotZoneWindowHours int     // 历史事件滚动窗口（小时），默认 168（7天）
	}

	// 报警生命周期配置
	Lifecycle struct {
		RetentionHours    int // 终态报警内存保留时长（小时），默认 24
		PruneIntervalSec  int // 归档清理间隔（秒），默认 300
	}

	// 活跃报警 Redis 缓存配置（供看板读取）
	Cache struct {
		ActiveKeyPrefix string // 活跃报警缓存键前缀，如 "fallsentry:room:"
		ActiveSuffix    string // 活跃报警缓存键后缀，如 ":alerts"
		ActiveTTL       int    // 缓存 TTL（秒），默认 60
	}

	// 风险聚合配置
	Risk struct {
		DecayPeriod       string  // 衰减周期：hour/day/week/month，默认 hour
		DecayFactorHour   float64 // 小时衰减因子，默认 0.9
		DecayFactorDay    float64 // 天衰减因子，默认 0.75
		DecayFactorWeek   float64 // 周衰减因子，默认 0.6
		DecayFactorMonth  float64 // 月衰减因子，默认 0.5
		WeightCritical    float64 // critical 风险增量，默认 20
		WeightHigh        float64 // high 风险增量，默认 12
		WeightMedium      float64 // medium 风险增量，默认 6
		WeightLow         float64 // low 风险增量，默认 2
		FalsePositiveCorrection float64 // 误报修正量，默认 3
	}

	// 升级协调配置
	Escalation struct {
		TickIntervalSec    int      // 巡检间隔（秒），默认 30
		AckTimeoutCritical int      // critical 确认超时（秒），默认 120
		AckTimeoutHigh     int      // high 确认超时（秒），默认 300
		AckTimeoutMedium   int      // medium 确认超时（秒），默认 900
		AckTimeoutLow      int      // low 确认超时（秒），0 表示不超时升级，默认 0
		RepeatOffenseCount int      // repeat_offense 触发所需同住户事件数，默认 3
		NotifyTargets      []string // 升级通知目标（逗号分隔环境变量）
	}

	// MQTT 发布配置
	Publish struct {
		TopicPrefix string // 主题前缀，如 "fallsentry"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "fallsentry")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "fallsentry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Detection.Stream = getEnv("DETECTION_STREAM", "fallsentry:detections")
	cfg.Detection.ConsumerGroup = getEnv("DETECTION_CONSUMER_GROUP", "fallsentry-engine")
	cfg.Detection.ConsumerName = getEnv("DETECTION_CONSUMER_NAME", "engine-1")
	cfg.Detection.ReadBatch = int64(getEnvInt("DETECTION_READ_BATCH", 16))
	cfg.Detection.QueueSize = getEnvInt("DETECTION_QUEUE_SIZE", 256)
	cfg.Detection.Workers = getEnvInt("DETECTION_WORKERS", 4)

	cfg.Severity.CriticalConfidence = getEnvFloat("SEVERITY_CRITICAL_CONFIDENCE", 0.95)
	cfg.Severity.HighConfidence = getEnvFloat("SEVERITY_HIGH_CONFIDENCE", 0.85)
	cfg.Severity.MediumConfidence = getEnvFloat("SEVERITY_MEDIUM_CONFIDENCE", 0.75)
	cfg.Severity.HotZoneIncidents = getEnvInt("SEVERITY_HOTZONE_INCIDENTS", 3)
	cfg.Severity.HotZoneWindowHours = getEnvInt("SEVERITY_HOTZONE_WINDOW_HOURS", 168)

	cfg.Lifecycle.RetentionHours = getEnvInt("ALERT_RETENTION_HOURS", 24)
	cfg.Lifecycle.PruneIntervalSec = getEnvInt("ALERT_PRUNE_INTERVAL", 300)

	cfg.Cache.ActiveKeyPrefix = getEnv("CACHE_ACTIVE_PREFIX", "fallsentry:room:")
	cfg.Cache.ActiveSuffix = ":alerts"
	cfg.Cache.ActiveTTL = getEnvInt("CACHE_ACTIVE_TTL", 60)

	cfg.Risk.DecayPeriod = getEnv("RISK_DECAY_PERIOD", "hour")
	cfg.Risk.DecayFactorHour = getEnvFloat("RISK_DECAY_HOUR", 0.9)
	cfg.Risk.DecayFactorDay = getEnvFloat("RISK_DECAY_DAY", 0.75)
	cfg.Risk.DecayFactorWeek = getEnvFloat("RISK_DECAY_WEEK", 0.6)
	cfg.Risk.DecayFactorMonth = getEnvFloat("RISK_DECAY_MONTH", 0.5)
	cfg.Risk.WeightCritical = getEnvFloat("RISK_WEIGHT_CRITICAL", 20)
	cfg.Risk.WeightHigh = getEnvFloat("RISK_WEIGHT_HIGH", 12)
	cfg.Risk.WeightMedium = getEnvFloat("RISK_WEIGHT_MEDIUM", 6)
	cfg.Risk.WeightLow = getEnvFloat("RISK_WEIGHT_LOW", 2)
	cfg.Risk.FalsePositiveCorrection = getEnvFloat("RISK_FALSE_POSITIVE_CORRECTION", 3)

	cfg.Escalation.TickIntervalSec = getEnvInt("ESCALATION_TICK_INTERVAL", 30)
	cfg.Escalation.AckTimeoutCritical = getEnvInt("ESCALATION_ACK_TIMEOUT_CRITICAL", 120)
	cfg.Escalation.AckTimeoutHigh = getEnvInt("ESCALATION_ACK_TIMEOUT_HIGH", 300)
	cfg.Escalation.AckTimeoutMedium = getEnvInt("ESCALATION_ACK_TIMEOUT_MEDIUM", 900)
	cfg.Escalation.AckTimeoutLow = getEnvInt("ESCALATION_ACK_TIMEOUT_LOW", 0)
	cfg.Escalation.RepeatOffenseCount = getEnvInt("ESCALATION_REPEAT_OFFENSE_COUNT", 3)
	if targets := getEnv("ESCALATION_NOTIFY_TARGETS", ""); targets != "" {
		for _, t := range strings.Split(targets, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				cfg.Escalation.NotifyTargets = append(cfg.Escalation.NotifyTargets, trimmed)
			}
		}
	}

	cfg.Publish.TopicPrefix = getEnv("PUBLISH_TOPIC_PREFIX", "fallsentry")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置（启动时快速失败，不允许半开状态运行）
func (c *Config) Validate() error {
	s := c.Severity
	if s.CriticalConfidence <= 0 || s.CriticalConfidence > 1 ||
		s.HighConfidence <= 0 || s.HighConfidence > 1 ||
		s.MediumConfidence <= 0 || s.MediumConfidence > 1 {
		return fmt.Errorf("%w: confidence thresholds must be in (0,1]", models.ErrInvalidConfiguration)
	}
	if s.CriticalConfidence < s.HighConfidence || s.HighConfidence < s.MediumConfidence {
		return fmt.Errorf("%w: confidence thresholds must be ordered critical >= high >= medium", models.ErrInvalidConfiguration)
	}
	if s.HotZoneIncidents < 1 {
		return fmt.Errorf("%w: hot zone incident threshold must be >= 1", models.ErrInvalidConfiguration)
	}
	if s.HotZoneWindowHours <= 0 {
		return fmt.Errorf("%w: hot zone window must be positive", models.ErrInvalidConfiguration)
	}

	if c.Detection.QueueSize <= 0 || c.Detection.Workers <= 0 || c.Detection.ReadBatch <= 0 {
		return fmt.Errorf("%w: detection queue/workers/batch must be positive", models.ErrInvalidConfiguration)
	}

	if c.Lifecycle.RetentionHours <= 0 {
		return fmt.Errorf("%w: alert retention must be positive", models.ErrInvalidConfiguration)
	}

	switch c.Risk.DecayPeriod {
	case "hour", "day", "week", "month":
	default:
		return fmt.Errorf("%w: unknown risk decay period %q", models.ErrInvalidConfiguration, c.Risk.DecayPeriod)
	}
	for _, f := range []float64{c.Risk.DecayFactorHour, c.Risk.DecayFactorDay, c.Risk.DecayFactorWeek, c.Risk.DecayFactorMonth} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("%w: decay factors must be in (0,1]", models.ErrInvalidConfiguration)
		}
	}
	if c.Risk.WeightCritical < c.Risk.WeightHigh || c.Risk.WeightHigh < c.Risk.WeightMedium || c.Risk.WeightMedium < c.Risk.WeightLow {
		return fmt.Errorf("%w: risk weights must be ordered critical >= high >= medium >= low", models.ErrInvalidConfiguration)
	}

	e := c.Escalation
	if e.TickIntervalSec <= 0 {
		return fmt.Errorf("%w: escalation tick interval must be positive", models.ErrInvalidConfiguration)
	}
	if e.AckTimeoutCritical <= 0 || e.AckTimeoutHigh <= 0 || e.AckTimeoutMedium <= 0 {
		return fmt.Errorf("%w: ack timeouts for critical/high/medium must be positive", models.ErrInvalidConfiguration)
	}
	if e.AckTimeoutLow < 0 {
		return fmt.Errorf("%w: low ack timeout must be >= 0", models.ErrInvalidConfiguration)
	}
	if e.RepeatOffenseCount < 2 {
		return fmt.Errorf("%w: repeat offense count must be >= 2", models.ErrInvalidConfiguration)
	}

	return nil
}

// AckTimeoutFor 返回指定级别的确认超时秒数（0 表示该级别不超时升级）
func (c *Config) AckTimeoutFor(severity models.Severity) int {
	switch severity {
	case models.SeverityCritical:
		return c.Escalation.AckTimeoutCritical
	case models.SeverityHigh:
		return c.Escalation.AckTimeoutHigh
	case models.SeverityMedium:
		return c.Escalation.AckTimeoutMedium
	default:
		return c.Escalation.AckTimeoutLow
	}
}

// RiskWeightFor 返回指定级别的风险增量
func (c *Config) RiskWeightFor(severity models.Severity) float64 {
	switch severity {
	case models.SeverityCritical:
		return c.Risk.WeightCritical
	case models.SeverityHigh:
		return c.Risk.WeightHigh
	case models.SeverityMedium:
		return c.Risk.WeightMedium
	default:
		return c.Risk.WeightLow
	}
}

// DecayFactor 返回当前衰减周期对应的因子
func (c *Config) DecayFactor() float64 {
	switch c.Risk.DecayPeriod {
	case "day":
		return c.Risk.DecayFactorDay
	case "week":
		return c.Risk.DecayFactorWeek
	case "month":
		return c.Risk.DecayFactorMonth
	default:
		return c.Risk.DecayFactorHour
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
