package models

import (
	"time"

	"github.com/google/uuid"
)

// StorageMethod tags how (and whether) a file landed in the object store.
type StorageMethod string

const (
	// StorageNone means the cloud upload did not happen (or failed); the
	// local file is the only copy.
	StorageNone StorageMethod = "none"
	// StorageSingle means the file fit under the per-object limit.
	StorageSingle StorageMethod = "single"
	// StorageChunked means the file was split into ordered parts.
	StorageChunked StorageMethod = "chunked"
)

// ObjectRef points at one stored object (or one part of a chunked upload).
type ObjectRef struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
	// Seq is the 1-based part sequence number; 0 for single objects.
	Seq int `json:"seq,omitempty"`
}

// StorageRecord is the outcome of a chunked-store upload. Parts order is
// significant: reassembly concatenates them in ascending Seq.
type StorageRecord struct {
	Method    StorageMethod `json:"method"`
	Reason    string        `json:"reason,omitempty"` // why Method is none
	Object    *ObjectRef    `json:"object,omitempty"`
	Parts     []ObjectRef   `json:"parts,omitempty"`
	PartSize  int64         `json:"part_size,omitempty"`
	TotalSize int64         `json:"total_size"`
}

// Uploaded reports whether the primary cloud copy exists.
func (r StorageRecord) Uploaded() bool {
	return r.Method == StorageSingle || r.Method == StorageChunked
}

// VideoStream summarizes the primary video stream of a source file.
type VideoStream struct {
	Codec  string  `json:"codec"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// AudioStream summarizes one audio track of a source file.
type AudioStream struct {
	Index      int    `json:"index"`
	Codec      string `json:"codec"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language"`
	Title      string `json:"title"`
}

// MediaInfo is the introspected container/stream metadata, set once at
// ingest. A failed probe degrades to file size with zeroed streams.
type MediaInfo struct {
	Duration float64       `json:"duration"`
	Format   string        `json:"format"`
	Size     int64         `json:"size"`
	Video    *VideoStream  `json:"video,omitempty"`
	Audio    []AudioStream `json:"audio,omitempty"`
}

// ProcessingStatus is the per-video progress record polled by clients.
// The orchestrator run is its sole writer; everyone else gets copies.
type ProcessingStatus struct {
	Stage          string   `json:"stage"`
	Percent        float64  `json:"percent"`
	CurrentQuality string   `json:"current_quality,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	Complete       bool     `json:"complete"`
}

// QualityVariant is one rung of the adaptive ladder that survived encoding.
type QualityVariant struct {
	Label        string `json:"label"` // e.g. "720p"
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bandwidth    int    `json:"bandwidth"` // video+audio, bits/sec
	ManifestPath string `json:"manifest_path"`
}

// AudioTrackArtifact is one extracted audio track with its own storage
// record and segmented-stream manifest.
type AudioTrackArtifact struct {
	Index        int           `json:"index"`
	Language     string        `json:"language"`
	Title        string        `json:"title"`
	FilePath     string        `json:"file_path,omitempty"`
	ManifestPath string        `json:"manifest_path,omitempty"`
	Storage      StorageRecord `json:"storage"`
}

// StreamArtifacts accumulates what the pipeline produced. Appended to as
// stages complete. VideoOnlyManifest is set iff the source is multi-audio.
type StreamArtifacts struct {
	MasterManifest    string               `json:"master_manifest,omitempty"`
	Variants          []QualityVariant     `json:"variants,omitempty"`
	VideoOnlyManifest string               `json:"video_only_manifest,omitempty"`
	AudioTracks       []AudioTrackArtifact `json:"audio_tracks,omitempty"`
	SegmentsBackedUp  bool                 `json:"segments_backed_up,omitempty"`
}

// VideoRecord is one uploaded source file and everything derived from it.
type VideoRecord struct {
	ID           uuid.UUID `json:"id"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	UploadDate   time.Time `json:"upload_date"`
	LocalPath    string    `json:"local_path,omitempty"`

	Metadata  MediaInfo        `json:"metadata"`
	Storage   StorageRecord    `json:"storage"`
	Status    ProcessingStatus `json:"status"`
	Artifacts StreamArtifacts  `json:"artifacts"`

	// CRUD metadata; read by playback resolution for share links.
	ViewCount int       `json:"view_count"`
	Tags      []string  `json:"tags,omitempty"`
	Category  string    `json:"category,omitempty"`
	Favorite  bool      `json:"favorite"`
	ShareID   string    `json:"share_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MultiAudio reports whether the source carries more than one audio track.
func (v *VideoRecord) MultiAudio() bool {
	return len(v.Metadata.Audio) > 1
}

// StatusSnapshot returns a defensive copy of the processing status so
// callers never hold a reference the orchestrator is still mutating.
func (v *VideoRecord) StatusSnapshot() ProcessingStatus {
	s := v.Status
	s.Errors = append([]string(nil), v.Status.Errors...)
	return s
}
