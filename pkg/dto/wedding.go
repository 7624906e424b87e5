package dto

type WeddingPhotoIDs struct {
	PhotoIDs []string `json:"photoIds"`
}

type GuestUser struct {
	ID        ID     `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// GuestEncoding is a wedding guest that has a stored face sample.
type GuestEncoding struct {
	ID             string     `json:"id"`
	UserID         ID         `json:"userId,omitempty"`
	FaceEncodingID string     `json:"faceEncodingId"`
	User           *GuestUser `json:"user,omitempty"`
}
