package notify

import "yipyap/internal/storage"

// Notification is one delivery request for a single endpoint. The digest
// fan-out enqueues one Notification per registered endpoint; partial
// per-endpoint failure is tolerated and never reported back to the run.
type Notification struct {
	AccountID string
	Endpoint  storage.Endpoint
	Title     string
	Body      string
	Payload   map[string]string
}
