package dto_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facetag/pkg/dto"
)

func TestID_MarshalJSON(t *testing.T) {
	tag := dto.PhotoTag{PhotoID: "ph-1", UserID: "42", FaceEncodingID: "photo:ph-1:0"}
	b, err := json.Marshal(struct {
		UserID  dto.ID `json:"userId"`
		GuestID dto.ID `json:"guestId"`
		Padded  dto.ID `json:"padded"`
		Empty   dto.ID `json:"empty,omitempty"`
	}{UserID: tag.UserID, GuestID: "clx9guest", Padded: "007"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":42,"guestId":"clx9guest","padded":"007"}`, string(b))
}

func TestPhoto_TenantID(t *testing.T) {
	var nested dto.Photo
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","wedding":{"id":"w-nested"},"weddingId":"w-flat"}`), &nested))
	assert.Equal(t, "w-nested", nested.TenantID())

	var flat dto.Photo
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1","weddingId":"w-flat","originalUrl":"https://x/y.jpg"}`), &flat))
	assert.Equal(t, "w-flat", flat.TenantID())
	assert.Equal(t, "https://x/y.jpg", flat.OriginalURL)

	assert.Empty(t, dto.Photo{ID: "p1"}.TenantID())
}
