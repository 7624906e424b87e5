package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/your-org/facetag/pkg/dto"
)

type JobType string

const (
	JobPhotoProcess     JobType = "photo_process"
	JobFaceSample       JobType = "face_sample"
	JobReprocessWedding JobType = "reprocess_wedding"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrUnknownJobType = errors.New("unknown job type")
)

// Job is a stream event decoded into its typed payload.
type Job interface {
	Type() JobType
	Validate() error
}

// ID is an identifier that may arrive as a JSON string or number.
type ID = dto.ID

type PhotoProcessJob struct {
	PhotoID ID `json:"photoId"`
}

func (PhotoProcessJob) Type() JobType { return JobPhotoProcess }

func (j PhotoProcessJob) Validate() error {
	if j.PhotoID == "" {
		return validationErr("photoId is required")
	}
	return nil
}

// FaceSampleJob carries a reference face upload. GuestID takes precedence
// over UserID as the owner of the sample.
type FaceSampleJob struct {
	UserID           ID     `json:"userId"`
	GuestID          ID     `json:"guestId"`
	ImageURL         string `json:"imageUrl"`
	WeddingID        ID     `json:"weddingId"`
	WeddingIDs       []ID   `json:"weddingIds"`
	HostedWeddingIDs []ID   `json:"hostedWeddingIds"`
}

func (FaceSampleJob) Type() JobType { return JobFaceSample }

func (j FaceSampleJob) Validate() error {
	if strings.TrimSpace(j.ImageURL) == "" {
		return validationErr("imageUrl is required")
	}
	if j.GuestID == "" && j.UserID == "" {
		return validationErr("guestId or userId is required")
	}
	if j.IsGuest() && j.WeddingID == "" {
		return validationErr("weddingId is required for guest samples")
	}
	return nil
}

func (j FaceSampleJob) IsGuest() bool { return j.GuestID != "" }

// Scope returns the tenants a sample belongs to. Guest samples are scoped to
// their wedding; user samples to the ordered, deduplicated union of member
// and hosted weddings.
func (j FaceSampleJob) Scope() []string {
	if j.IsGuest() {
		return []string{j.WeddingID.String()}
	}
	seen := make(map[ID]struct{}, len(j.WeddingIDs)+len(j.HostedWeddingIDs))
	var out []string
	for _, list := range [][]ID{j.WeddingIDs, j.HostedWeddingIDs} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id.String())
		}
	}
	return out
}

type ReprocessWeddingJob struct {
	WeddingID ID `json:"weddingId"`
}

func (ReprocessWeddingJob) Type() JobType { return JobReprocessWedding }

func (j ReprocessWeddingJob) Validate() error {
	if j.WeddingID == "" {
		return validationErr("weddingId is required")
	}
	return nil
}

// NormalizePayload returns raw if it holds a JSON object, otherwise "{}".
// The boolean reports whether raw was usable.
func NormalizePayload(raw string) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return json.RawMessage("{}"), false
	}
	return json.RawMessage(trimmed), true
}

// DecodeJob decodes payload into the job variant for t. It does not validate
// required fields; callers use Job.Validate.
func DecodeJob(t JobType, payload json.RawMessage) (Job, error) {
	var job Job
	switch t {
	case JobPhotoProcess:
		var j PhotoProcessJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrValidation, t, err)
		}
		job = j
	case JobFaceSample:
		var j FaceSampleJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrValidation, t, err)
		}
		job = j
	case JobReprocessWedding:
		var j ReprocessWeddingJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrValidation, t, err)
		}
		job = j
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	return job, nil
}

func validationErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
