package model

import "time"

// UsageSnapshot is a cached aggregate for one storage identity. Never the source of truth.
type UsageSnapshot struct {
	StorageID  string         `json:"storage_id"`
	TotalSize  int64          `json:"total_size"`
	FileCount  int            `json:"file_count"`
	FileTypes  map[string]int `json:"file_types"`
	ComputedAt time.Time      `json:"computed_at"`
}

type QuotaCheck struct {
	Allowed         bool    `json:"allowed"`
	CurrentUsage    int64   `json:"current_usage"`
	MaxQuota        int64   `json:"max_quota"`
	UsagePercentage float64 `json:"usage_percentage"`
	RemainingQuota  int64   `json:"remaining_quota"`
}

type EvictionResult struct {
	RemovedFiles   int   `json:"removed_files"`
	FreedSpace     int64 `json:"freed_space"`
	RemainingUsage int64 `json:"remaining_usage"`
}

type SweepResult struct {
	RemovedFiles int           `json:"removed_files"`
	FreedSpace   int64         `json:"freed_space"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}
