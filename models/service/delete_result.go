package service

import (
	"fmt"

	"github.com/digitalgoods/fulfillment-services/constants"
)

// DeleteResult is the outcome of a best-effort asset deletion.
// Outcome is one of constants.DeleteDeleted, DeleteNotFound or
// DeleteFailed. Deletion failures are reported, never escalated.
type DeleteResult struct {
	Provider   StorageProvider `json:"provider"`
	ExternalID string          `json:"external_id"`
	Outcome    string          `json:"outcome"`
	Err        error           `json:"-"`
}

// Succeeded returns true if the remote file is gone, whether we deleted
// it now or it was already missing.
func (r *DeleteResult) Succeeded() bool {
	return r.Outcome == constants.DeleteDeleted || r.Outcome == constants.DeleteNotFound
}

func (r *DeleteResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("delete %s/%s: %s (%v)", r.Provider, r.ExternalID, r.Outcome, r.Err)
	}
	return fmt.Sprintf("delete %s/%s: %s", r.Provider, r.ExternalID, r.Outcome)
}
