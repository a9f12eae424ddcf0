package config

import (
	"os"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	FarmaTurn FarmaTurnConfig `yaml:"farmaturn"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	TurnsTopicName     string `yaml:"turns_topic_name"`
	InventoryTopicName string `yaml:"inventory_topic_name"`
	NotifyTopicName    string `yaml:"notify_topic_name"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FarmaTurnConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	Storage            string `yaml:"storage"` // "postgres" | "memory"
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	OTLPEndpoint       string `yaml:"otlp_endpoint"`
	OTLPInsecure       bool   `yaml:"otlp_insecure"`

	QueueCacheTTLSeconds  int  `yaml:"queue_cache_ttl_seconds"`
	StoreTimeoutSeconds   int  `yaml:"store_timeout_seconds"`
	NotifyTimeoutSeconds  int  `yaml:"notify_timeout_seconds"`
	PublishTimeoutSeconds int  `yaml:"publish_timeout_seconds"`
	StrictTransitions     bool `yaml:"strict_transitions"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerKafkaConsumerGroup  string `yaml:"worker_kafka_consumer_group"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`
	WorkerMaxAttempts         int    `yaml:"worker_max_attempts"`

	// Retry schedule for failed SMS; unset values fall back to 5/15/30/60 minutes.
	WorkerBackoff1Seconds int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds int `yaml:"worker_backoff_4_seconds"`

	SMSProvider       string `yaml:"sms_provider"` // "fake" | "webhook" | "gateway"
	SMSWebhookURL     string `yaml:"sms_webhook_url"`
	SMSWebhookToken   string `yaml:"sms_webhook_token"`
	SMSGatewayBaseURL string `yaml:"sms_gateway_base_url"`
	SMSGatewayAPIKey  string `yaml:"sms_gateway_api_key"`
	SMSSenderID       string `yaml:"sms_sender_id"`
	SMSTimeoutSeconds int    `yaml:"sms_timeout_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "unmarshal YAML")
	}

	return &config, nil
}
