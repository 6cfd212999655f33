package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/MohamedAYassin/PeerLink/lib/utils"
)

// ClientSession tracks one registered client and its active transfers.
// Uploads and Downloads hold file ids so the record round-trips as json.
type ClientSession struct {
	ClientID      string    `json:"clientId"`
	SocketID      string    `json:"socketId"`
	NodeID        uuid.UUID `json:"nodeId"`
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Uploads       []string  `json:"uploads"`
	Downloads     []string  `json:"downloads"`
	UploadSpeed   float64   `json:"uploadSpeed"`
	DownloadSpeed float64   `json:"downloadSpeed"`
	ShareID       string    `json:"shareId,omitempty"`
}

func NewClientSession(clientID, socketID string, nodeID uuid.UUID) ClientSession {
	return ClientSession{
		ClientID:      clientID,
		SocketID:      socketID,
		NodeID:        nodeID,
		Connected:     true,
		LastHeartbeat: time.Now(),
		Uploads:       []string{},
		Downloads:     []string{},
	}
}

func (s *ClientSession) HasUpload(fileID string) bool {
	return utils.Contains(s.Uploads, fileID)
}

func (s *ClientSession) HasDownload(fileID string) bool {
	return utils.Contains(s.Downloads, fileID)
}

func (s *ClientSession) AddUpload(fileID string) {
	if !utils.Contains(s.Uploads, fileID) {
		s.Uploads = append(s.Uploads, fileID)
	}
}

func (s *ClientSession) AddDownload(fileID string) {
	if !utils.Contains(s.Downloads, fileID) {
		s.Downloads = append(s.Downloads, fileID)
	}
}

func (s *ClientSession) RemoveUpload(fileID string) {
	s.Uploads = utils.Remove(s.Uploads, fileID)
}

func (s *ClientSession) RemoveDownload(fileID string) {
	s.Downloads = utils.Remove(s.Downloads, fileID)
}

// TransferCount is the combined number of active uploads and downloads,
// checked against the concurrent transfer budget on upload admission.
func (s *ClientSession) TransferCount() int {
	return len(s.Uploads) + len(s.Downloads)
}
