// Package gateway holds the plumbing shared by the payment gateway modules:
// action declarations, the HTTP wrappers that enforce them, error rendering
// and the webhook log.
package gateway

import (
	"net/http"
)

// HandlerFunc is an action body. Returned errors are rendered by the wrapper.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Action describes one endpoint exposed by a gateway module.
type Action struct {
	Name    string
	Methods []string
	// Staff actions are served under the staff API and operate on the
	// transaction named by the "transaction" query parameter.
	Staff bool
	// Statuses the transaction must be in for a staff action.
	Statuses []string
	// RequiresRedirect actions send the staff user back to the transaction
	// page on success. Their handlers leave the success response to the wrapper.
	RequiresRedirect bool
	Handler          HandlerFunc
}

// Module is a payment processor integration.
type Module interface {
	Name() string
	Actions() []Action
}
