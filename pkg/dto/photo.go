package dto

type PhotoWedding struct {
	ID string `json:"id"`
}

// Photo is the record store's view of an uploaded photo. The tenant may be
// returned flat or as a nested relation.
type Photo struct {
	ID          string        `json:"id"`
	WeddingID   string        `json:"weddingId,omitempty"`
	Wedding     *PhotoWedding `json:"wedding,omitempty"`
	OriginalURL string        `json:"originalUrl"`
}

func (p Photo) TenantID() string {
	if p.Wedding != nil && p.Wedding.ID != "" {
		return p.Wedding.ID
	}
	return p.WeddingID
}

type PhotoPatch struct {
	ProcessingStatus string  `json:"processingStatus,omitempty"`
	FacesDetected    *int    `json:"facesDetected,omitempty"`
	ProcessedAt      *string `json:"processedAt,omitempty"`
	AIErrorMessage   *string `json:"aiErrorMessage,omitempty"`
}

type QueuePatch struct {
	Status           string  `json:"status,omitempty"`
	StartedAt        *string `json:"startedAt,omitempty"`
	CompletedAt      *string `json:"completedAt,omitempty"`
	FacesFound       *int    `json:"facesFound,omitempty"`
	MatchesCreated   *int    `json:"matchesCreated,omitempty"`
	ErrorMessage     *string `json:"errorMessage,omitempty"`
	ProcessingTimeMs *int64  `json:"processingTimeMs,omitempty"`
}

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PhotoTag links a photo face to a guest or user.
type PhotoTag struct {
	PhotoID         string      `json:"photoId"`
	GuestID         string      `json:"guestId,omitempty"`
	UserID          ID          `json:"userId,omitempty"`
	ConfidenceScore float64     `json:"confidenceScore"`
	BoundingBox     BoundingBox `json:"boundingBox"`
	FaceEncodingID  string      `json:"faceEncodingId"`
}
