package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// ImportReadyMessage tells the worker that an import is awaiting
// execution. The worker reads everything else from the database.
type ImportReadyMessage struct {
	ImportID  string    `json:"importId"`
	Timestamp time.Time `json:"timestamp"`
}

func NewImportReadyMessage(importID string) *ImportReadyMessage {
	return &ImportReadyMessage{
		ImportID:  importID,
		Timestamp: time.Now(),
	}
}

func (m *ImportReadyMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ImportReadyMessageFromJSON(data []byte) (*ImportReadyMessage, error) {
	var msg ImportReadyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ImportID == "" {
		return nil, errors.New("import ready message without importId")
	}
	return &msg, nil
}
