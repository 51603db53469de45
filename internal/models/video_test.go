package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageRecordUploaded(t *testing.T) {
	assert.False(t, StorageRecord{Method: StorageNone}.Uploaded())
	assert.False(t, StorageRecord{}.Uploaded())
	assert.True(t, StorageRecord{Method: StorageSingle}.Uploaded())
	assert.True(t, StorageRecord{Method: StorageChunked}.Uploaded())
}

func TestMultiAudio(t *testing.T) {
	v := &VideoRecord{}
	assert.False(t, v.MultiAudio())
	v.Metadata.Audio = []AudioStream{{Index: 0}}
	assert.False(t, v.MultiAudio())
	v.Metadata.Audio = append(v.Metadata.Audio, AudioStream{Index: 1})
	assert.True(t, v.MultiAudio())
}

func TestStatusSnapshotIsACopy(t *testing.T) {
	v := &VideoRecord{Status: ProcessingStatus{
		Stage:   "encoding",
		Percent: 42,
		Errors:  []string{"encode: boom"},
	}}

	snap := v.StatusSnapshot()
	snap.Errors[0] = "mutated"
	snap.Errors = append(snap.Errors, "extra")

	assert.Equal(t, []string{"encode: boom"}, v.Status.Errors)
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("exit status 1")
	var err error = &ProbeError{Path: "/x.mp4", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/x.mp4")

	err = &EncodeError{Quality: "720p", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "720p")
}
