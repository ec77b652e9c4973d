package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/psoares/rachaconta/eventlogger"
	"github.com/psoares/rachaconta/group"
	"github.com/psoares/rachaconta/ledger"
	"github.com/psoares/rachaconta/middleware"
	"github.com/psoares/rachaconta/session"
	"github.com/psoares/rachaconta/split"
	"github.com/psoares/rachaconta/user"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=postgres password=postgres dbname=rachaconta sslmode=disable"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		printErrorAndExit("database connection", err)
	}
	if err := db.Ping(); err != nil {
		printErrorAndExit("pinging database", err)
	}

	evtlogger := eventlogger.NewSQLEventLogger(db)
	worker := eventlogger.NewWorker(evtlogger, 100)
	worker.Start()
	defer worker.Shutdown()

	userRepo := user.NewRepository(db)
	sessionRepo := session.NewRepository(db)
	groupRepo := group.NewRepository(db)

	ledgerRepo := ledger.NewRepository(db)
	expenses := ledger.NewService(ledgerRepo, ledgerRepo, groupRepo)

	if err := sessionRepo.DeleteExpired(context.Background()); err != nil {
		slog.Warn("failed to clear expired sessions", "error", err)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(middleware.AuthMiddleware(sessionRepo))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	router.Post("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		registered, err := userRepo.Register(ctx, req.Name, req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, user.ErrEmailExists):
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.Is(err, user.ErrInvalidEmail), errors.Is(err, user.ErrShortPassword):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				slog.Error("failed to register user", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		sess, err := sessionRepo.Create(ctx, registered.ID)
		if err != nil {
			slog.Error("failed to create session", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, sess)

		worker.Log(eventlogger.NewEvent(
			eventlogger.WithType("user.registered"),
			eventlogger.WithActor(registered.ID),
			eventlogger.WithData(map[string]string{"email": registered.Email}),
		))

		writeJSON(w, http.StatusCreated, registered)
	})

	router.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		userdb, err := userRepo.GetByEmail(ctx, req.Email)
		if err != nil {
			slog.Error("failed to fetch user", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if userdb == nil || userRepo.VerifyPassword(userdb.PasswordHash, req.Password) != nil {
			http.Error(w, "invalid email or password", http.StatusUnauthorized)
			return
		}

		sess, err := sessionRepo.Create(ctx, userdb.ID)
		if err != nil {
			slog.Error("failed to create session", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, sess)

		writeJSON(w, http.StatusOK, userdb)
	})

	// Authenticated API.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth())

		r.Post("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			if cookie, err := r.Cookie(session.CookieName); err == nil {
				sessionRepo.Delete(r.Context(), cookie.Value)
			}
			http.SetCookie(w, &http.Cookie{
				Name:   session.CookieName,
				Value:  "",
				Path:   "/",
				MaxAge: -1,
			})
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			u, err := userRepo.GetByID(r.Context(), userID)
			if err != nil || u == nil {
				slog.Error("failed to fetch user", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, u)
		})

		r.Patch("/me", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
				http.Error(w, "name is required", http.StatusBadRequest)
				return
			}
			if err := userRepo.UpdateName(r.Context(), userID, req.Name); err != nil {
				slog.Error("failed to update name", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/groups", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			g, err := group.NewGroup(req.Name, userID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := groupRepo.CreateNew(r.Context(), g); err != nil {
				slog.Error("failed to create group", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusCreated, g)
		})

		r.Get("/groups", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			groups, err := groupRepo.GroupsByUser(r.Context(), userID)
			if err != nil {
				slog.Error("failed to list groups", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, groups)
		})

		r.Get("/groups/{groupID}/members", func(w http.ResponseWriter, r *http.Request) {
			groupID, ok := requireGroupMember(w, r, groupRepo)
			if !ok {
				return
			}
			members, err := groupRepo.Members(r.Context(), groupID)
			if err != nil {
				slog.Error("failed to list members", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, members)
		})

		r.Post("/groups/{groupID}/members", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
			if err != nil {
				http.Error(w, "invalid group id", http.StatusBadRequest)
				return
			}

			admin, err := groupRepo.IsAdmin(r.Context(), userID, groupID)
			if err != nil {
				slog.Error("failed to check admin", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if !admin {
				http.Error(w, "only group admins can add members", http.StatusForbidden)
				return
			}

			var req struct {
				UserID uuid.UUID `json:"user_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := groupRepo.AddMember(r.Context(), groupID, req.UserID, group.RoleMember); err != nil {
				if errors.Is(err, group.ErrAlreadyMember) {
					http.Error(w, err.Error(), http.StatusConflict)
					return
				}
				slog.Error("failed to add member", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/expenses", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req expenseRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			in := ledger.CreateExpenseInput{
				Amount:       req.Amount,
				Description:  req.Description,
				Category:     ledger.Category(req.Category),
				Currency:     req.Currency,
				PaidBy:       userID,
				SplitType:    split.Policy(req.SplitType),
				Participants: req.participants(),
			}
			if req.GroupID != nil {
				in.GroupID = uuid.NullUUID{UUID: *req.GroupID, Valid: true}
			}
			if req.ExpenseDate != nil {
				in.ExpenseDate = *req.ExpenseDate
			}

			expense, err := expenses.CreateExpense(r.Context(), in)
			if err != nil {
				writeLedgerError(w, err)
				return
			}

			worker.Log(eventlogger.NewEvent(
				eventlogger.WithType(ledger.EventExpenseCreated),
				eventlogger.WithActor(userID),
				eventlogger.WithData(ledger.ExpenseCreatedEvent{
					ExpenseID:    expense.ID,
					GroupID:      expense.GroupID,
					PaidBy:       expense.PaidBy,
					Amount:       expense.Amount,
					Currency:     expense.Currency,
					SplitType:    string(expense.SplitType),
					Participants: len(req.Participants),
					ExpenseDate:  expense.ExpenseDate,
				}),
			))

			writeJSON(w, http.StatusCreated, expense)
		})

		r.Get("/expenses", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			list, err := expenses.PersonalExpenses(r.Context(), userID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/expenses/{expenseID}", func(w http.ResponseWriter, r *http.Request) {
			expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
			if err != nil {
				http.Error(w, "invalid expense id", http.StatusBadRequest)
				return
			}
			expense, err := expenses.ExpenseByID(r.Context(), expenseID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, expense)
		})

		r.Get("/expenses/{expenseID}/splits", func(w http.ResponseWriter, r *http.Request) {
			expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
			if err != nil {
				http.Error(w, "invalid expense id", http.StatusBadRequest)
				return
			}
			splits, err := expenses.ExpenseSplits(r.Context(), expenseID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, splits)
		})

		r.Patch("/expenses/{expenseID}", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
			if err != nil {
				http.Error(w, "invalid expense id", http.StatusBadRequest)
				return
			}

			var req updateExpenseRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			in := ledger.UpdateExpenseInput{
				ExpenseID:    expenseID,
				CallerID:     userID,
				Amount:       req.Amount,
				Description:  req.Description,
				ExpenseDate:  req.ExpenseDate,
				Participants: req.participants(),
			}
			if req.Category != nil {
				category := ledger.Category(*req.Category)
				in.Category = &category
			}
			if req.SplitType != nil {
				policy := split.Policy(*req.SplitType)
				in.SplitType = &policy
			}

			expense, err := expenses.UpdateExpense(r.Context(), in)
			if err != nil {
				writeLedgerError(w, err)
				return
			}

			worker.Log(eventlogger.NewEvent(
				eventlogger.WithType(ledger.EventExpenseUpdated),
				eventlogger.WithActor(userID),
				eventlogger.WithData(ledger.ExpenseUpdatedEvent{
					ExpenseID: expense.ID,
					UpdatedBy: userID,
					Amount:    expense.Amount,
					SplitType: string(expense.SplitType),
				}),
			))

			writeJSON(w, http.StatusOK, expense)
		})

		r.Delete("/expenses/{expenseID}", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
			if err != nil {
				http.Error(w, "invalid expense id", http.StatusBadRequest)
				return
			}

			if err := expenses.DeleteExpense(r.Context(), expenseID, userID); err != nil {
				writeLedgerError(w, err)
				return
			}

			worker.Log(eventlogger.NewEvent(
				eventlogger.WithType(ledger.EventExpenseDeleted),
				eventlogger.WithActor(userID),
				eventlogger.WithData(ledger.ExpenseDeletedEvent{
					ExpenseID: expenseID,
					DeletedBy: userID,
				}),
			))

			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/groups/{groupID}/expenses", func(w http.ResponseWriter, r *http.Request) {
			groupID, ok := requireGroupMember(w, r, groupRepo)
			if !ok {
				return
			}
			list, err := expenses.GroupExpenses(r.Context(), groupID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/balances", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			balances, err := expenses.UserBalances(r.Context(), userID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, balances)
		})

		r.Get("/balances/net", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			net, err := expenses.UserNetBalance(r.Context(), userID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, net)
		})

		r.Get("/groups/{groupID}/balances", func(w http.ResponseWriter, r *http.Request) {
			groupID, ok := requireGroupMember(w, r, groupRepo)
			if !ok {
				return
			}
			balances, err := expenses.GroupBalances(r.Context(), groupID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, balances)
		})

		r.Post("/settlements", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req struct {
				PayeeID  uuid.UUID       `json:"payee_id"`
				Amount   decimal.Decimal `json:"amount"`
				Currency string          `json:"currency"`
				GroupID  *uuid.UUID      `json:"group_id,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			var groupID uuid.NullUUID
			if req.GroupID != nil {
				groupID = uuid.NullUUID{UUID: *req.GroupID, Valid: true}
			}

			settlement, err := expenses.Settle(r.Context(), userID, req.PayeeID, req.Amount, req.Currency, groupID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}

			worker.Log(eventlogger.NewEvent(
				eventlogger.WithType(ledger.EventSettlementRecorded),
				eventlogger.WithActor(userID),
				eventlogger.WithData(ledger.SettlementRecordedEvent{
					SettlementID: settlement.ID,
					FromUser:     settlement.FromUser,
					ToUser:       settlement.ToUser,
					Amount:       settlement.Amount,
					Currency:     settlement.Currency,
				}),
			))

			writeJSON(w, http.StatusCreated, settlement)
		})

		r.Get("/settlements", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			settlements, err := expenses.UserSettlements(r.Context(), userID)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, settlements)
		})

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			eventType := r.URL.Query().Get("type")
			if eventType == "" {
				http.Error(w, "type query parameter is required", http.StatusBadRequest)
				return
			}
			events, err := evtlogger.GetByType(r.Context(), eventType)
			if err != nil {
				slog.Error("failed to fetch events", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, events)
		})
	})

	slog.Info("server starting", "port", 5000)
	http.ListenAndServe(":5000", router)
}

type participantRequest struct {
	UserID     uuid.UUID        `json:"user_id"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
	Shares     int              `json:"shares,omitempty"`
}

type expenseRequest struct {
	Amount       decimal.Decimal      `json:"amount"`
	Description  string               `json:"description"`
	Category     string               `json:"category"`
	Currency     string               `json:"currency"`
	GroupID      *uuid.UUID           `json:"group_id,omitempty"`
	SplitType    string               `json:"split_type"`
	Participants []participantRequest `json:"participants"`
	ExpenseDate  *time.Time           `json:"expense_date,omitempty"`
}

type updateExpenseRequest struct {
	Amount       *decimal.Decimal     `json:"amount,omitempty"`
	Description  *string              `json:"description,omitempty"`
	Category     *string              `json:"category,omitempty"`
	SplitType    *string              `json:"split_type,omitempty"`
	Participants []participantRequest `json:"participants,omitempty"`
	ExpenseDate  *time.Time           `json:"expense_date,omitempty"`
}

func (req expenseRequest) participants() []split.Participant {
	return toParticipants(req.Participants)
}

func (req updateExpenseRequest) participants() []split.Participant {
	if req.Participants == nil {
		return nil
	}
	return toParticipants(req.Participants)
}

func toParticipants(reqs []participantRequest) []split.Participant {
	participants := make([]split.Participant, 0, len(reqs))
	for _, p := range reqs {
		participants = append(participants, split.Participant{
			UserID:     p.UserID,
			Amount:     p.Amount,
			Percentage: p.Percentage,
			Shares:     p.Shares,
		})
	}
	return participants
}

// requireGroupMember parses the group id from the URL and rejects callers who
// are not members.
func requireGroupMember(w http.ResponseWriter, r *http.Request, groups interface {
	IsMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error)
}) (uuid.UUID, bool) {
	userID, _ := middleware.GetUserID(r.Context())
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return uuid.Nil, false
	}

	member, err := groups.IsMember(r.Context(), userID, groupID)
	if err != nil {
		slog.Error("failed to check membership", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	if !member {
		http.Error(w, "not a member of this group", http.StatusForbidden)
		return uuid.Nil, false
	}
	return groupID, true
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrPermission):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func setSessionCookie(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func printErrorAndExit(msg string, e error) {
	slog.Error(msg, "error", e)
	os.Exit(1)
}
