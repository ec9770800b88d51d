// Package inference issues carbohydrate-estimate requests to the remote
// model endpoint with a lifetime decoupled from the caller.
package inference

import (
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	coreerrors "github.com/rcourtman/carbscan/internal/errors"
)

// MaxImages is the most images one job may carry.
const MaxImages = 3

// State is the lifecycle of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Image is one encoded photo.
type Image struct {
	MIMEType string
	Data     []byte
}

// Job is one submission. The coordinator owns it once submitted.
type Job struct {
	ID         string
	Images     []Image
	Prompt     string
	State      State
	FailReason string
	CreatedAt  time.Time
}

// NewJob validates images and creates a pending job. An empty prompt means
// the coordinator's configured prompt.
func NewJob(images []Image, prompt string) (*Job, error) {
	if len(images) == 0 {
		return nil, coreerrors.NewCoreError(coreerrors.ErrorTypeValidation, "new_job", fmt.Errorf("at least one image is required"))
	}
	if len(images) > MaxImages {
		return nil, coreerrors.NewCoreError(coreerrors.ErrorTypeValidation, "new_job", fmt.Errorf("at most %d images allowed, got %d", MaxImages, len(images)))
	}

	cp := make([]Image, len(images))
	for i, img := range images {
		if len(img.Data) == 0 {
			return nil, coreerrors.NewCoreError(coreerrors.ErrorTypeValidation, "new_job", fmt.Errorf("image %d is empty", i))
		}
		if img.MIMEType == "" {
			img.MIMEType = http.DetectContentType(img.Data)
		}
		cp[i] = img
	}

	return &Job{
		ID:        ulid.Make().String(),
		Images:    cp,
		Prompt:    prompt,
		State:     StatePending,
		CreatedAt: time.Now(),
	}, nil
}
