package auth

import (
	"context"
	"errors"
	"fmt"
)

var ErrClientNotFound = errors.New("client not found")

// StaticClientStore serves OAuth clients declared in the node config.
type StaticClientStore struct {
	clients map[string]Client
}

func NewStaticClientStore(clients ...Client) (*StaticClientStore, error) {
	s := &StaticClientStore{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if _, dup := s.clients[c.ID]; dup {
			return nil, fmt.Errorf("duplicate oauth client %q", c.ID)
		}
		s.clients[c.ID] = c
	}
	return s, nil
}

func (s *StaticClientStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return &c, nil
}
