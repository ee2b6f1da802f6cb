package web

import (
	"github.com/openintel/flowd/pkg/models"
)

// TriggerRequest is the optional body of a manual trigger. AssetIDs bypass
// delta resolution; manual-input flows require them.
type TriggerRequest struct {
	AssetIDs []int64 `json:"asset_ids,omitempty"`
	TaskID   *string `json:"task_id,omitempty"`
}

// TriggerResponse reports the outcome of a trigger request. Triggered is
// false when the delta was empty and no execution record was created.
type TriggerResponse struct {
	Triggered bool                  `json:"triggered"`
	Reason    string                `json:"reason,omitempty"`
	Execution *models.FlowExecution `json:"execution,omitempty"`
}
