package legacyapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
	"github.com/kimhsiao/csmsync/internal/session"
)

// Defaults applied to created records.
const (
	DefaultStatus   = "进行中"
	DefaultCategory = "建联中"
)

// Fields a caller cannot set through the API.
var serverOwned = []string{
	models.FieldID, models.FieldOwnerID, models.FieldCreatedBy, models.FieldCreatedAt,
	models.FieldUpdatedAt, models.FieldSyncedAt, models.FieldIsLocal,
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid customer id")
	}
	return id, nil
}

func storeErr(err error) error {
	if remote.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "customer not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "store failure").SetInternal(err)
}

// owned loads record id and checks the caller may touch it.
func (s *Server) owned(c echo.Context, id int64) (*models.Customer, error) {
	rec, err := s.store.Get(c.Request().Context(), id)
	if err != nil {
		return nil, storeErr(err)
	}
	if rec == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "customer not found")
	}
	u := currentUser(c)
	if rec.OwnerID != u.ID && !u.Privileged() {
		return nil, echo.NewHTTPError(http.StatusForbidden, "not the owner of this customer")
	}
	return rec, nil
}

func bindPatch(c echo.Context) (models.Patch, error) {
	p := models.Patch{}
	if err := c.Bind(&p); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return p, nil
}

// appendHistory records a next-step change. A failure is logged, the write that
// caused it stands.
func (s *Server) appendHistory(c echo.Context, customerID int64, step string, u session.User) {
	_, err := s.store.AddNextStep(c.Request().Context(), &models.NextStepHistory{
		CustomerID: customerID,
		NextStep:   step,
		CreatedBy:  u.ID,
	})
	if err != nil {
		logging.Warn("append next step history failed", map[string]interface{}{
			"customer_id": customerID,
			"error":       err.Error(),
		})
	}
}

// GET /api/customers?category=&search=
func (s *Server) listCustomers(c echo.Context) error {
	u := currentUser(c)
	q := remote.Query{
		Category: c.QueryParam("category"),
		Search:   c.QueryParam("search"),
	}
	if !u.Privileged() {
		q.OwnerID = &u.ID
	}
	out, err := s.store.Query(c.Request().Context(), q)
	if err != nil {
		return storeErr(err)
	}
	if out == nil {
		out = []*models.Customer{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"customers": out})
}

// GET /api/customers/:id
func (s *Server) getCustomer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := s.owned(c, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"customer": rec})
}

func (s *Server) insert(c echo.Context, p models.Patch, u session.User) (*models.Customer, error) {
	rec, err := models.NewCustomer(p.Without(serverOwned...))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec.OwnerID = u.ID
	rec.CreatedBy = u.ID
	if rec.Status == "" {
		rec.Status = DefaultStatus
	}
	if rec.Category == "" {
		rec.Category = DefaultCategory
	}

	created, err := s.store.Insert(c.Request().Context(), rec)
	if err != nil {
		return nil, storeErr(err)
	}
	if created.NextStep != "" {
		s.appendHistory(c, created.ID, created.NextStep, u)
	}
	return created, nil
}

// POST /api/customers
func (s *Server) createCustomer(c echo.Context) error {
	p, err := bindPatch(c)
	if err != nil {
		return err
	}
	created, err := s.insert(c, p, currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"customer": created})
}

func (s *Server) update(c echo.Context, existing *models.Customer, p models.Patch, u session.User) (*models.Customer, error) {
	p = p.Without(serverOwned...)
	if step := strings.TrimSpace(p.String(models.FieldNextStep)); step != "" && step != existing.NextStep {
		s.appendHistory(c, existing.ID, step, u)
	}
	updated, err := s.store.Update(c.Request().Context(), existing.ID, p)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated, nil
}

// PUT /api/customers/:id
func (s *Server) updateCustomer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	existing, err := s.owned(c, id)
	if err != nil {
		return err
	}
	p, err := bindPatch(c)
	if err != nil {
		return err
	}
	updated, err := s.update(c, existing, p, currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"customer": updated})
}

// DELETE /api/customers/:id
func (s *Server) deleteCustomer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := s.owned(c, id); err != nil {
		return err
	}
	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		return storeErr(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "deleted"})
}

type syncRequest struct {
	Records []models.Patch `json:"records"`
}

type syncedRecord struct {
	LocalID  int64 `json:"localId"`
	ServerID int64 `json:"serverId"`
}

func patchInt(p models.Patch, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// POST /api/customers/sync
//
// Records with a negative id are inserted, others updated. Records not owned by the
// caller are skipped.
func (s *Server) syncCustomers(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil || req.Records == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "records must be an array")
	}

	u := currentUser(c)
	synced := make([]syncedRecord, 0, len(req.Records))
	for _, p := range req.Records {
		if patchInt(p, models.FieldOwnerID) != u.ID {
			continue
		}
		id := patchInt(p, models.FieldID)
		if id < 0 {
			created, err := s.insert(c, p, u)
			if err != nil {
				return err
			}
			synced = append(synced, syncedRecord{LocalID: id, ServerID: created.ID})
			continue
		}

		existing, err := s.store.Get(c.Request().Context(), id)
		if err != nil {
			return storeErr(err)
		}
		if existing == nil || existing.OwnerID != u.ID {
			continue
		}
		if _, err := s.update(c, existing, p, u); err != nil {
			return err
		}
		synced = append(synced, syncedRecord{LocalID: id, ServerID: id})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"syncedRecords": synced})
}

// GET /api/customers/:id/next-step-history
func (s *Server) listHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := s.owned(c, id); err != nil {
		return err
	}
	history, err := s.store.ListNextSteps(c.Request().Context(), id)
	if err != nil {
		return storeErr(err)
	}
	if history == nil {
		history = []*models.NextStepHistory{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": history})
}

type addHistoryRequest struct {
	NextStep string `json:"next_step" validate:"required"`
}

// POST /api/customers/:id/next-step-history
func (s *Server) addHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := s.owned(c, id); err != nil {
		return err
	}

	var req addHistoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.NextStep = strings.TrimSpace(req.NextStep)
	if err := s.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "next_step is required")
	}

	u := currentUser(c)
	ctx := c.Request().Context()
	entry, err := s.store.AddNextStep(ctx, &models.NextStepHistory{
		CustomerID: id,
		NextStep:   req.NextStep,
		CreatedBy:  u.ID,
	})
	if err != nil {
		return storeErr(err)
	}
	entry.Username = u.Username
	if _, err := s.store.Update(ctx, id, models.Patch{models.FieldNextStep: req.NextStep}); err != nil {
		return storeErr(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"history": entry})
}
