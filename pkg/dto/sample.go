package dto

type FaceSample struct {
	UserID          ID      `json:"userId,omitempty"`
	GuestID         string  `json:"guestId,omitempty"`
	SampleImageURL  string  `json:"sampleImageUrl"`
	ThumbnailURL    string  `json:"thumbnailUrl"`
	FaceEncodingID  string  `json:"faceEncodingId"`
	EncodingQuality float64 `json:"encodingQuality"`
	IsPrimary       bool    `json:"isPrimary"`
	Source          string  `json:"source"`
}

const SampleSourceUpload = "upload"

type GuestPatch struct {
	FaceEncodingID     string `json:"faceEncodingId,omitempty"`
	FaceSampleProvided *bool  `json:"faceSampleProvided,omitempty"`
	PhotosProcessed    *bool  `json:"photosProcessed,omitempty"`
}

type UserPatch struct {
	FaceEncodingID     string `json:"faceEncodingId,omitempty"`
	FaceSampleUploaded *bool  `json:"faceSampleUploaded,omitempty"`
}
