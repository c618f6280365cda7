package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	HttpPort    int
	BaseUrl     string
	StorageType StorageType
	RedisConfig RedisStorageConfig

	ExpirationWindow time.Duration
	MaxReminders     int

	ReminderInterval   time.Duration
	ExpirationInterval time.Duration
	StaleInterval      time.Duration
	JobCleanupInterval time.Duration
	ReminderDelay      time.Duration
	RetentionWindow    time.Duration
	BatchSize          int
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}
