package constants

import "time"

// Defaults used when the corresponding environment variable is unset.
const (
	DefaultListenAddress  = ":8080"
	DefaultDBPath         = "db/audit.db"
	DefaultRequestTimeout = 60 * time.Second
	DefaultSessionTTL     = 2 * time.Hour
	DefaultWorkers        = 2

	// DefaultPreviewMaxWidth and DefaultPreviewMaxHeight bound the preview
	// surface; they match the canvas of the results page.
	DefaultPreviewMaxWidth  = 800
	DefaultPreviewMaxHeight = 600
)

// MaxUploadSize caps the multipart body of an ingest request.
const MaxUploadSize = 64 << 20

// JobQueueSize is the capacity of the job queue.
const JobQueueSize = 100
