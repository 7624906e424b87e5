package models

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindSample Kind = "sample"
	KindPhoto  Kind = "photo"
)

// FaceDescriptor is one face found by the extractor.
type FaceDescriptor struct {
	Embedding  []float32
	BBox       [4]float64 // x1, y1, x2, y2
	Confidence float64
	Landmarks  [][2]float64
	Age        *int
	Gender     string
}

func (f FaceDescriptor) Area() float64 {
	w := f.BBox[2] - f.BBox[0]
	h := f.BBox[3] - f.BBox[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Box is an axis-aligned rectangle in origin/size form.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BoxFromBBox converts an [x1, y1, x2, y2] box to origin/size form.
func BoxFromBBox(b [4]float64) Box {
	return Box{X: b[0], Y: b[1], Width: b[2] - b[0], Height: b[3] - b[1]}
}

// Prominent returns the face with the largest box area. Ties keep the
// earliest face.
func Prominent(faces []FaceDescriptor) (FaceDescriptor, bool) {
	if len(faces) == 0 {
		return FaceDescriptor{}, false
	}
	best := 0
	for i := 1; i < len(faces); i++ {
		if faces[i].Area() > faces[best].Area() {
			best = i
		}
	}
	return faces[best], true
}

// FaceMetadata is stored alongside every vector in the similarity index.
type FaceMetadata struct {
	Kind         Kind       `json:"kind"`
	WeddingID    string     `json:"weddingId,omitempty"`
	GuestID      string     `json:"guestId,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	PhotoID      string     `json:"photoId,omitempty"`
	FaceIndex    int        `json:"faceIndex"`
	BBox         [4]float64 `json:"bbox"`
	Confidence   float64    `json:"confidence"`
	PhotoURL     string     `json:"photoUrl,omitempty"`
	SampleSource string     `json:"sampleSource,omitempty"`
	IsPrimary    bool       `json:"isPrimary,omitempty"`
}

var ErrInvalidRecord = errors.New("invalid face record")

// Validate checks the kind invariants: a sample has exactly one owner and no
// photo, a photo face has a photo and no owner.
func (m FaceMetadata) Validate() error {
	switch m.Kind {
	case KindSample:
		if (m.GuestID == "") == (m.UserID == "") {
			return fmt.Errorf("%w: sample needs exactly one of guestId or userId", ErrInvalidRecord)
		}
		if m.PhotoID != "" {
			return fmt.Errorf("%w: sample must not reference a photo", ErrInvalidRecord)
		}
	case KindPhoto:
		if m.PhotoID == "" {
			return fmt.Errorf("%w: photo face needs photoId", ErrInvalidRecord)
		}
		if m.HasOwner() {
			return fmt.Errorf("%w: photo face must not carry an owner", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, m.Kind)
	}
	return nil
}

func (m FaceMetadata) HasOwner() bool {
	return m.GuestID != "" || m.UserID != ""
}

type FaceRecord struct {
	ID        string
	Embedding []float32
	Metadata  FaceMetadata
}

// Match is a similarity-index hit. Score is cosine similarity.
type Match struct {
	ID       string
	Score    float64
	Metadata FaceMetadata
}

func PhotoFaceID(photoID string, faceIndex int) string {
	return fmt.Sprintf("photo:%s:%d", photoID, faceIndex)
}

func GuestSampleID(guestID string, n int) string {
	return fmt.Sprintf("sample:guest:%s:%d", guestID, n)
}

func UserSampleID(userID string, n int) string {
	return fmt.Sprintf("sample:user:%s:%d", userID, n)
}
