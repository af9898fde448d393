package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"datapass.org/internal/wallet"
)

type openWalletRequest struct {
	Holder  string `json:"holder"`
	Initial int64  `json:"initial"`
}

type balanceResponse struct {
	Holder  string `json:"holder"`
	Balance int64  `json:"balance"`
}

type listPaymentsResponse struct {
	Items     []wallet.Payment `json:"items"`
	NextAfter uint64           `json:"next_after"`
	AsOf      time.Time        `json:"as_of"`
}

func (a *API) handleWalletsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.openWallet(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleWalletResource routes /v1/wallets/{holder} and
// /v1/wallets/{holder}/payments.
func (a *API) handleWalletResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/wallets/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	if strings.HasSuffix(path, "/payments") {
		a.listPayments(w, r)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	a.getBalance(w, r, path)
}

func (a *API) openWallet(w http.ResponseWriter, r *http.Request) {
	var req openWalletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holder := strings.TrimSpace(req.Holder)
	if holder == "" {
		writeError(w, r, http.StatusBadRequest, "holder is required")
		return
	}
	if req.Initial < 0 {
		writeError(w, r, http.StatusBadRequest, "initial must be >= 0")
		return
	}

	acc, err := a.wallets.Open(r.Context(), holder, req.Initial)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}

	a.audit(r.Context(), "wallet.open", map[string]any{
		"holder":  holder,
		"initial": strconv.FormatInt(req.Initial, 10),
	})

	w.Header().Set("Location", "/v1/wallets/"+holder)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, holder string) {
	balance, err := a.wallets.Balance(r.Context(), holder)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Holder: holder, Balance: balance})
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.wallets.ListPayments(r.Context(), limit, after)
	if err != nil {
		handleWalletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listPaymentsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func handleWalletError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, wallet.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
