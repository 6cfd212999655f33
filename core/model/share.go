package model

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/MohamedAYassin/PeerLink/lib/utils"
)

// MaxShareClients caps participants per share room.
const MaxShareClients = 2

type ShareStatus = string

const (
	ShareActive   ShareStatus = "active"
	ShareInactive ShareStatus = "inactive"
)

type ShareSession struct {
	ShareID      string      `json:"shareId"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Clients      []string    `json:"clients"`
	Status       ShareStatus `json:"status"`
}

func NewShareSession(shareID, creatorID string) ShareSession {
	now := time.Now()
	return ShareSession{
		ShareID:      shareID,
		CreatedAt:    now,
		LastActivity: now,
		Clients:      []string{creatorID},
		Status:       ShareActive,
	}
}

// NewShareID generates the default share id format: share-<unix-ms>-<rand>.
func NewShareID() string {
	return fmt.Sprintf("share-%d-%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}

func (s *ShareSession) HasClient(clientID string) bool {
	return utils.Contains(s.Clients, clientID)
}

func (s *ShareSession) IsFull() bool {
	return len(s.Clients) >= MaxShareClients
}

func (s *ShareSession) AddClient(clientID string) {
	if !s.HasClient(clientID) {
		s.Clients = append(s.Clients, clientID)
	}
	s.LastActivity = time.Now()
}

func (s *ShareSession) RemoveClient(clientID string) {
	s.Clients = utils.Remove(s.Clients, clientID)
	s.LastActivity = time.Now()
}

// Others returns the participants other than clientID, the relay fan-out list.
func (s *ShareSession) Others(clientID string) []string {
	return utils.Remove(s.Clients, clientID)
}
