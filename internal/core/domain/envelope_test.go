package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelope_AddressedTo(t *testing.T) {
	broadcast := Envelope{Type: MessagePresence, From: "camera_3f9a1c"}
	assert.True(t, broadcast.Broadcast())
	assert.True(t, broadcast.AddressedTo("viewer_0b12de"))
	assert.True(t, broadcast.AddressedTo("viewer_77aa01"))

	direct := Envelope{Type: MessageOffer, From: "viewer_0b12de", To: "camera_3f9a1c"}
	assert.False(t, direct.Broadcast())
	assert.True(t, direct.AddressedTo("camera_3f9a1c"))
	assert.False(t, direct.AddressedTo("camera_other"))
}
