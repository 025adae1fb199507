package model

import "time"

// StatusStat is one row of the queue monitoring view.
type StatusStat struct {
	Status        Status     `json:"status"`
	Count         int64      `json:"count"`
	AvgAgeSeconds float64    `json:"avgAgeSeconds"`
	AvgRetries    float64    `json:"avgRetries"`
	OldestMessage *time.Time `json:"oldestMessage,omitempty"`
	NewestMessage *time.Time `json:"newestMessage,omitempty"`
}

type QueueSummary struct {
	TotalPending      int64   `json:"totalPending"`
	TotalProcessing   int64   `json:"totalProcessing"`
	TotalDone         int64   `json:"totalDone"`
	TotalDead         int64   `json:"totalDead"`
	OldestPendingAge  float64 `json:"oldestPendingAgeSeconds"`
	PendingWithRetry  int64   `json:"pendingWithRetries"`
	DeadLetterRecords int64   `json:"deadLetterRecords"`
}
