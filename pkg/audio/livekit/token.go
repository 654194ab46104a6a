package livekit

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// DefaultTokenTTL is used when [audio.JoinParams.TokenTTL] is zero.
const DefaultTokenTTL = 6 * time.Hour

// MintToken signs a room access token for p. The token grants exactly the
// permissions requested in p.Grants.
func MintToken(p audio.JoinParams) (string, error) {
	switch {
	case p.APIKey == "" || p.APISecret == "":
		return "", errors.New("livekit: api key and secret are required")
	case p.Room == "":
		return "", errors.New("livekit: room name is required")
	case p.Identity == "":
		return "", errors.New("livekit: identity is required")
	}

	ttl := p.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	grant := &auth.VideoGrant{
		RoomJoin:       p.Grants.Join,
		Room:           p.Room,
		CanPublish:     boolPtr(p.Grants.Publish),
		CanSubscribe:   boolPtr(p.Grants.Subscribe),
		CanPublishData: boolPtr(p.Grants.PublishData),
	}
	at := auth.NewAccessToken(p.APIKey, p.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(p.Identity).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("livekit: sign token: %w", err)
	}
	return token, nil
}

func boolPtr(v bool) *bool { return &v }
