// Package chunk holds the data model shared by the planner and monitor:
// Chunk, ChunkRequest, ChunkState, MultipartUploadRecord, and
// ReplicationJob. Shapes follow the teacher's pkg/models/types.go —
// plain structs with json tags, no behavior beyond small helpers.
package chunk

import "time"

// MB is the megabyte convention used for all chunk/object sizing
// throughout the planner (OQ2: SI, 10^6, matching the source).
const MB = 1e6

// GB is the gibibyte convention used for throughput/ETA reporting only
// (OQ2: binary, 2^30, matching spec.md §4.3 step 5 verbatim). Kept
// distinct from MB on purpose — see DESIGN.md.
const GB = 1 << 30

// SourceType and DestType classify where a ChunkRequest's bytes come from
// or go to.
type SourceType string
type DestType string

const (
	SourceObjectStore SourceType = "object_store"
	SourceRandom      SourceType = "random"

	DestObjectStore DestType = "object_store"
	DestSaveLocal   DestType = "save_local"
)

// Chunk is an immutable contiguous byte range of a source object.
type Chunk struct {
	ChunkID          int    `json:"chunk_id"`
	SrcKey           string `json:"src_key"`
	DestKey          string `json:"dest_key"`
	FileOffsetBytes  int64  `json:"file_offset_bytes"`
	ChunkLengthBytes int64  `json:"chunk_length_bytes"`
	// PartNumber and UploadID are set together for multipart chunks;
	// PartNumber == 0 means "not part of a multipart upload".
	PartNumber int    `json:"part_number,omitempty"`
	UploadID   string `json:"upload_id,omitempty"`
}

// IsMultipart reports whether this chunk is one part of a multipart upload.
func (c Chunk) IsMultipart() bool {
	return c.PartNumber > 0 && c.UploadID != ""
}

// ChunkRequest wraps a Chunk with the transfer context a gateway needs to
// act on it.
type ChunkRequest struct {
	Chunk               Chunk      `json:"chunk"`
	SrcRegion           string     `json:"src_region"`
	DstRegion           string     `json:"dst_region"`
	SrcType             SourceType `json:"src_type"`
	DstType             DestType   `json:"dst_type"`
	SrcRandomSizeMB     *float64   `json:"src_random_size_mb,omitempty"`
	SrcObjectStoreBucket string    `json:"src_object_store_bucket,omitempty"`
	DstObjectStoreBucket string    `json:"dst_object_store_bucket,omitempty"`
}

// MultipartUploadRecord tracks one destination-side multipart upload
// started by the planner, finalized by the monitor on success.
type MultipartUploadRecord struct {
	Region   string `json:"region"`
	Bucket   string `json:"bucket"`
	UploadID string `json:"upload_id"`
	Key      string `json:"key"`
	Parts    []int  `json:"parts"`
}

// ReplicationJob is the unit of work handed to the planner; ChunkRequests
// is write-once, populated by the planner and read by the monitor.
type ReplicationJob struct {
	SourceRegion      string            `json:"source_region"`
	DestRegion        string            `json:"dest_region"`
	SourceBucket      string            `json:"source_bucket"`
	DestBucket        string            `json:"dest_bucket"`
	SrcObjs           []string          `json:"src_objs"`
	DestObjs          []string          `json:"dest_objs"`
	ObjSizes          map[string]int64  `json:"obj_sizes,omitempty"`
	RandomChunkSizeMB *float64          `json:"random_chunk_size_mb,omitempty"`
	MaxChunkSizeMB    *float64          `json:"max_chunk_size_mb,omitempty"`
	ChunkRequests     []ChunkRequest    `json:"chunk_requests,omitempty"`
}

// ChunkState is the lifecycle state a gateway reports for a chunk.
type ChunkState string

const (
	StateRegistered          ChunkState = "registered"
	StateDownloadInProgress  ChunkState = "download_in_progress"
	StateDownloaded          ChunkState = "downloaded"
	StateUploadInProgress    ChunkState = "upload_in_progress"
	StateUploadComplete      ChunkState = "upload_complete"
	StateFailed              ChunkState = "failed"
)

// StatusLogEntry is one row from a gateway's /api/v1/chunk_status_log,
// annotated with which instance/region reported it.
type StatusLogEntry struct {
	ChunkID  int        `json:"chunk_id"`
	State    ChunkState `json:"state"`
	Time     time.Time  `json:"time"`
	Region   string     `json:"-"`
	Instance string     `json:"-"`
}
