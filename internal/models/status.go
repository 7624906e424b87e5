package models

import "time"

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Failure messages written to queue entries and photos.
const (
	MsgPhotoNotFound      = "Photo not found"
	MsgMissingWeddingID   = "Missing weddingId"
	MsgMissingOriginalURL = "Missing originalUrl"
	MsgDownloadFailed     = "Download failed"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// Timestamp formats t the way the record store expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
