package server

import (
	"context"
	"fmt"
	"time"

	"github.com/kyzima-spb/restlib-oauth2/security"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// ClientRegistration describes a client to be registered. Zero values
// for ClientID and ClientSecret mean the server generates them.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string

	// Public registers a client without credentials. Mutually
	// exclusive with ClientSecret.
	Public bool

	// UserID optionally ties the registration to the developer
	// account that owns it.
	UserID string

	// Scopes the client may request.
	Scopes []string

	Metadata storage.ClientMetadata
}

// SaveClient registers a client. The returned secret is the plain
// text value, shown once; only its bcrypt hash is stored. Public
// clients get no secret and requesting one is an error.
func (s *Server) SaveClient(ctx context.Context, reg *ClientRegistration) (*storage.Client, string, error) {
	if reg.Public && reg.ClientSecret != "" {
		return nil, "", fmt.Errorf("public client cannot have a secret")
	}

	clientID := reg.ClientID
	if clientID == "" {
		id, err := security.GenerateHexID(storage.MaxClientIDLength)
		if err != nil {
			return nil, "", fmt.Errorf("generate client id: %w", err)
		}
		clientID = id
	}
	if len(clientID) > storage.MaxClientIDLength {
		return nil, "", fmt.Errorf("client id exceeds %d characters", storage.MaxClientIDLength)
	}

	secret := reg.ClientSecret
	if !reg.Public && secret == "" {
		secret = security.GenerateToken()
	}

	metadata := reg.Metadata
	if reg.Public && metadata.TokenEndpointAuthMethod == "" {
		metadata.TokenEndpointAuthMethod = storage.AuthMethodNone
	}

	client := &storage.Client{
		ClientID: clientID,
		IssuedAt: time.Now(),
		Metadata: metadata,
		UserID:   reg.UserID,
		Scopes:   reg.Scopes,
	}
	if !reg.Public {
		hash, err := security.HashSecret(secret)
		if err != nil {
			return nil, "", fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = hash
	}
	if err := client.Validate(); err != nil {
		return nil, "", err
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("save client: %w", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.IsPublic())
	s.Logger.Info("client registered",
		"client_id", client.ClientID,
		"public", client.IsPublic())
	return client, secret, nil
}
