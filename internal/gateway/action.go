package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"billing-gateways/internal/auth"
	"billing-gateways/internal/billing"
	"billing-gateways/internal/logger"
	"billing-gateways/internal/metrics"
	"billing-gateways/internal/utils"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

type ctxKey string

const transactionKey ctxKey = "transaction"

func WithTransaction(ctx context.Context, t *billing.Transaction) context.Context {
	return context.WithValue(ctx, transactionKey, t)
}

// TransactionFrom returns the transaction loaded by StaffGatewayAction.
func TransactionFrom(ctx context.Context) (*billing.Transaction, bool) {
	t, ok := ctx.Value(transactionKey).(*billing.Transaction)
	return t, ok && t != nil
}

// TransactionLoader is the part of the billing store staff actions need.
type TransactionLoader interface {
	GetTransaction(ctx context.Context, id int64) (*billing.Transaction, error)
}

// GatewayAction serves h for the listed methods and renders its errors.
func GatewayAction(methods []string, h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lo.Contains(methods, r.Method) {
			w.Header().Set("Allow", strings.Join(methods, ", "))
			utils.WriteJSONError(w, fmt.Sprintf("Method \"%s\" not allowed.", r.Method), http.StatusMethodNotAllowed)
			return
		}
		if err := h(w, r); err != nil {
			WriteError(w, r, err)
		}
	})
}

type StaffOptions struct {
	Statuses         []string
	RequiresRedirect bool
	// FrontendURL is the staff panel base used for redirects; empty disables them.
	FrontendURL string
}

// StaffGatewayAction restricts h to staff users and loads the transaction
// named by the "transaction" query parameter into the request context.
func StaffGatewayAction(loader TransactionLoader, methods []string, opts StaffOptions, h HandlerFunc) http.Handler {
	return GatewayAction(methods, func(w http.ResponseWriter, r *http.Request) error {
		user, ok := auth.UserFrom(r.Context())
		if !ok {
			utils.WriteJSONError(w, "Authentication credentials were not provided.", http.StatusUnauthorized)
			return nil
		}
		if !user.IsStaff() {
			utils.WriteJSONError(w, "You do not have permission to perform this action.", http.StatusForbidden)
			return nil
		}

		raw := r.URL.Query().Get("transaction")
		if raw == "" {
			return NewGatewayError("Missing transaction parameter")
		}
		id, err := utils.ParseID(raw)
		if err != nil {
			return NewGatewayError("Invalid transaction parameter")
		}

		t, err := loader.GetTransaction(r.Context(), id)
		if errors.Is(err, billing.ErrNotFound) {
			utils.WriteJSONError(w, "Not found.", http.StatusNotFound)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load transaction %d: %w", id, err)
		}

		if len(opts.Statuses) > 0 && !lo.Contains(opts.Statuses, t.Status) {
			return NewGatewayError("Transaction status %s does not allow this action", t.Status)
		}

		r = r.WithContext(WithTransaction(r.Context(), t))
		if err := h(w, r); err != nil {
			return err
		}

		if !opts.RequiresRedirect {
			return nil
		}
		if opts.FrontendURL != "" {
			http.Redirect(w, r, fmt.Sprintf("%s/billing/transactions/%d", opts.FrontendURL, t.ID), http.StatusFound)
			return nil
		}
		OK(w)
		return nil
	})
}

// Router dispatches /{gateway}/action/{action} requests to registered modules.
type Router struct {
	loader      TransactionLoader
	frontendURL string
	client      map[string]map[string]http.Handler
	staff       map[string]map[string]http.Handler
}

func NewRouter(loader TransactionLoader, staffFrontendURL string) *Router {
	return &Router{
		loader:      loader,
		frontendURL: strings.TrimSuffix(staffFrontendURL, "/"),
		client:      map[string]map[string]http.Handler{},
		staff:       map[string]map[string]http.Handler{},
	}
}

func (rt *Router) Register(m Module) {
	name := m.Name()
	rt.client[name] = map[string]http.Handler{}
	rt.staff[name] = map[string]http.Handler{}

	for _, a := range m.Actions() {
		h := instrument(name, a.Name, a.Handler)
		if a.Staff {
			rt.staff[name][a.Name] = StaffGatewayAction(rt.loader, a.Methods, StaffOptions{
				Statuses:         a.Statuses,
				RequiresRedirect: a.RequiresRedirect,
				FrontendURL:      rt.frontendURL,
			}, h)
			continue
		}
		rt.client[name][a.Name] = GatewayAction(a.Methods, h)
	}
}

// Gateways lists the registered module names.
func (rt *Router) Gateways() []string {
	return lo.Keys(rt.client)
}

// ClientHandler serves the client facing actions. The gateway and action
// names are read from the path variables set by the mux router.
func (rt *Router) ClientHandler(vars func(*http.Request) map[string]string) http.Handler {
	return rt.dispatch(rt.client, vars)
}

func (rt *Router) StaffHandler(vars func(*http.Request) map[string]string) http.Handler {
	return rt.dispatch(rt.staff, vars)
}

func (rt *Router) dispatch(table map[string]map[string]http.Handler, vars func(*http.Request) map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := vars(r)
		h, ok := table[v["gateway"]][v["action"]]
		if !ok {
			utils.WriteJSONError(w, "Not found.", http.StatusNotFound)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func instrument(gateway, action string, h HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		timer := metrics.StartTimer()
		err := h(w, r)

		log := logger.ForGateway(r.Context(), gateway).With(
			zap.String("action", action),
			zap.Int64("duration_ms", timer.Duration().Milliseconds()),
		)
		if err != nil {
			metrics.For(gateway).ActionErrors.Inc()
			log.Warn("gateway action returned error", zap.Error(err))
			return err
		}
		log.Debug("gateway action completed")
		return nil
	}
}
