package dto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

// FlexibleID accepts a JSON string or number and keeps its text form
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

func (id FlexibleID) String() string {
	return string(id)
}

// UpdateRequest is the body of POST /api/update
type UpdateRequest struct {
	JobID        FlexibleID           `json:"jobId" binding:"required"`
	ClientID     FlexibleID           `json:"clientId" binding:"required"`
	TotalClients int                  `json:"totalClients" binding:"required,gte=1"`
	Schema       []domain.FeatureSpec `json:"schema"`
}

// UpdateResponse is returned for every accepted update
type UpdateResponse struct {
	Message      string `json:"message"`
	Status       string `json:"status"`
	DoneCount    int    `json:"doneCount"`
	TotalClients int    `json:"totalClients"`
	Triggered    bool   `json:"triggered"`
}
