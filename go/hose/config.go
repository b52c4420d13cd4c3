package hose

import (
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is the pipeline's tunable surface. Numeric knobs are carried as
// strings so that a malformed or non-positive setting degrades to its
// default instead of refusing to start: the logging pipeline must come
// up even when its tuning is mangled.
type Config struct {
	FirehoseTable       string `long:"firehose-table" env:"LOG_HOSE_TABLE" default:"log_firehose" description:"Table receiving every logged request"`
	FirehoseFilters     string `long:"firehose-filters" env:"LOG_HOSE_FILTERS" description:"Optional JSON rule groups which filter the firehose"`
	RetentionDays       string `long:"retention-days" env:"LOG_HOSE_RETENTION_DAYS" description:"Firehose retention horizon in days (0 disables pruning)"`
	PruningIntervalDays string `long:"pruning-interval-days" env:"LOG_HOSE_PRUNING_INTERVAL_DAYS" description:"Days between firehose retention checks"`
	BatchIntervalMs     string `long:"batch-interval-ms" env:"BATCH_INTERVAL_MS" default:"10000" description:"Longest time a buffered record waits before a flush, in milliseconds"`
	MaxBatchSize        string `long:"max-batch-size" env:"MAX_BATCH_SIZE" default:"200" description:"Buffered records which trigger an immediate flush"`
	MaxBodySize         string `long:"max-body-size" env:"MAX_BODY_SIZE" default:"10000" description:"Captured request body limit, in characters"`
	Shards              string `long:"shards" env:"LOG_HOSE_SHARDS" default:"4" description:"Number of batcher instances records shard across"`
	Colo                string `long:"colo" env:"LOG_HOSE_COLO" default:"local" description:"Serving location tag carried by diagnostics and metrics"`
}

const (
	defaultBatchIntervalMs = 10_000
	defaultMaxBatchSize    = 200
	defaultMaxBodySize     = 10_000
	defaultShards          = 4
)

func (c Config) batchInterval() time.Duration {
	return time.Duration(positiveInt("BATCH_INTERVAL_MS", c.BatchIntervalMs, defaultBatchIntervalMs)) * time.Millisecond
}

func (c Config) maxBatchSize() int {
	return positiveInt("MAX_BATCH_SIZE", c.MaxBatchSize, defaultMaxBatchSize)
}

func (c Config) maxBodySize() int {
	return positiveInt("MAX_BODY_SIZE", c.MaxBodySize, defaultMaxBodySize)
}

func (c Config) shards() int {
	return positiveInt("LOG_HOSE_SHARDS", c.Shards, defaultShards)
}

func (c Config) retentionDays() int {
	return nonNegativeInt("LOG_HOSE_RETENTION_DAYS", c.RetentionDays)
}

func (c Config) pruningIntervalDays() int {
	return nonNegativeInt("LOG_HOSE_PRUNING_INTERVAL_DAYS", c.PruningIntervalDays)
}

// positiveInt parses |value|, reverting to |fallback| when it's empty,
// malformed, or not positive.
func positiveInt(name, value string, fallback int) int {
	if value == "" {
		return fallback
	}
	var n, err = strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.WithFields(log.Fields{
			"setting":  name,
			"value":    value,
			"fallback": fallback,
		}).Warn("ignoring invalid setting")
		return fallback
	}
	return n
}

// nonNegativeInt parses |value|, reverting to zero (disabled) when it's
// empty, malformed, or negative.
func nonNegativeInt(name, value string) int {
	if value == "" {
		return 0
	}
	var n, err = strconv.Atoi(value)
	if err != nil || n < 0 {
		log.WithFields(log.Fields{
			"setting": name,
			"value":   value,
		}).Warn("ignoring invalid setting; feature disabled")
		return 0
	}
	return n
}
