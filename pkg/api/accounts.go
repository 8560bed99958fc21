package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/store"
)

// accountView is the admin-facing projection of an account. Tokens never
// leave the process unmasked.
type accountView struct {
	*models.Account
	UserToken string `json:"user_token"`
	BotToken  string `json:"bot_token,omitempty"`

	Running int  `json:"running"`
	Queued  int  `json:"queued"`
	Alive   bool `json:"alive"`
}

func (h *Handler) viewOf(a *models.Account) accountView {
	v := accountView{
		Account:   a,
		UserToken: models.MaskedToken(a.UserToken),
	}
	if a.BotToken != "" {
		v.BotToken = models.MaskedToken(a.BotToken)
	}
	if e := h.bal.Get(a.ChannelID); e != nil {
		v.Running = len(e.RunningJobs())
		v.Queued = e.PendingCount()
		v.Alive = e.Alive()
	}
	return v
}

// ListAccounts returns all accounts with live load info.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.store.ListAccounts()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, h.viewOf(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// FetchAccount returns one account by channel id.
func (h *Handler) FetchAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.viewOf(account))
}

// CreateAccount persists a new account and brings its instance up.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var account models.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if account.ChannelID == "" || account.UserToken == "" {
		writeError(w, http.StatusBadRequest, "channel_id and user_token are required")
		return
	}
	if _, err := h.store.GetAccount(account.ChannelID); err == nil {
		writeError(w, http.StatusConflict, "account already exists")
		return
	}
	if err := h.store.SaveAccount(&account); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if account.Enabled {
		if err := h.accounts.InitAccount(r.Context(), &account); err != nil {
			h.log.Error("account created but failed to start", map[string]interface{}{
				"channel_id": account.ChannelID,
				"error":      err.Error(),
			})
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"account": h.viewOf(&account),
				"warning": "saved but not started: " + err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusCreated, h.viewOf(&account))
}

// UpdateAccount applies an admin edit. Changes to connection fields take
// effect on the next reconnect; capability and pacing fields apply live.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	account, err := h.store.GetAccount(id)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Decode over the stored account so omitted fields keep their values.
	if err := json.NewDecoder(r.Body).Decode(account); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account.ChannelID = id // identity is immutable
	if err := h.store.SaveAccount(account); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if e := h.bal.Get(id); e != nil {
		e.UpdateAccount(account)
	}
	writeJSON(w, http.StatusOK, h.viewOf(account))
}

// DeleteAccount disposes the running instance and removes the account.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetAccount(id); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.accounts.DisposeAccount(id)
	if err := h.store.DeleteAccount(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "channel_id": id})
}

// ReconnectAccount tears the instance down and brings it back up with the
// stored credentials.
func (h *Handler) ReconnectAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.accounts.ReconnectAccount(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnected", "channel_id": id})
}
