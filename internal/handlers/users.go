package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/models"
	"github.com/PortNumber53/billing-engine/internal/store"
)

// UserReader defines the behaviour required from the storage client used by
// the membership handler.
type UserReader interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// Membership returns the entitlement fields of a user.
func Membership(users UserReader, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}

		user, err := users.GetUser(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.WithError(err).WithField("user_id", id).Error("Membership: failed to load user")
			http.Error(w, "failed to load user", http.StatusInternalServerError)
			return
		}

		writeJSON(w, log, http.StatusOK, map[string]any{
			"user_id":    user.ID,
			"grade":      user.Grade,
			"status":     user.MembershipStatus,
			"start_date": user.MembershipStartDate,
			"end_date":   user.MembershipEndDate,
		})
	}
}
