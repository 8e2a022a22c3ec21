package gateway

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/Dreamacro/vlgate/identity"
)

// accountHandlers backs the identity management surface: listing,
// creating, and deleting identities in the dynamic identity backend.
type accountHandlers struct {
	identity *identity.Store
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: msg})
}

func (h *accountHandlers) list(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.identity.List()
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Error: err.Error()})
		return
	}
	if accounts == nil {
		accounts = []identity.Account{}
	}
	render.JSON(w, r, accounts)
}

type createAccountRequest struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *accountHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	id, err := identity.ParseUUID(req.UUID)
	if err != nil {
		badRequest(w, r, "invalid uuid")
		return
	}

	if err := h.identity.Put(identity.ToHexKey(id), req.Metadata); err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Error: err.Error()})
		return
	}

	render.JSON(w, r, identity.Account{UUID: identity.ToHexKey(id), Metadata: req.Metadata})
}

type deleteAccountRequest struct {
	UUID string `json:"uuid"`
}

func (h *accountHandlers) delete(w http.ResponseWriter, r *http.Request) {
	var req deleteAccountRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	id, err := identity.ParseUUID(req.UUID)
	if err != nil {
		badRequest(w, r, "invalid uuid")
		return
	}

	if err := h.identity.Delete(identity.ToHexKey(id)); err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Error: err.Error()})
		return
	}

	render.NoContent(w, r)
}
