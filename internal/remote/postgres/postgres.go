// Package postgres is Remote A: the managed Postgres database, reached directly
// through GORM.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
)

// Name identifies this backend in logs and metrics.
const Name = "primary"

// updatable lists the columns a partial update may touch.
var updatable = map[string]bool{
	"customer_name": true, "company_name": true, "city": true, "customer_source": true,
	"customer_source_other": true, "custom_tags": true, "due_date": true, "contact_person": true,
	"position": true, "name": true, "financial_capacity": true, "customer_rating": true,
	"status": true, "category": true, "follow_up_action": true, "contacts": true,
	"requirement_list": true, "follow_up_records": true, "next_step": true,
	"got_online_projects": true, "pipeline_status": true, "service_expiry_date": true,
	"has_mini_game": true, "mini_game_name": true, "mini_game_platforms": true,
	"mini_game_url": true, "gpm_status": true, "projects": true, "owner_id": true,
	"project_link": true, "notes": true, "last_test_date": true,
}

// Remote implements remote.Backend over a GORM connection.
type Remote struct {
	db  *gorm.DB
	now func() time.Time
}

// Open prepares a pool for dsn without dialing; connections are made on first use,
// so an unreachable server surfaces as failed calls. Only a malformed dsn fails here.
// SQL statements slower than 200ms are logged as warnings.
func Open(dsn string) (*Remote, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableAutomaticPing: true,
		Logger: gormlogger.New(zap.NewStdLog(logging.Zap()), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return New(db), nil
}

// New wraps an open connection.
func New(db *gorm.DB) *Remote {
	return &Remote{db: db, now: time.Now}
}

// WithClock overrides the clock used for timestamps.
func (r *Remote) WithClock(now func() time.Time) *Remote {
	r.now = now
	return r
}

// Name implements remote.Backend.
func (r *Remote) Name() string { return Name }

// AutoMigrate creates or extends the customers and next_step_history tables.
func (r *Remote) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&models.Customer{}, &models.NextStepHistory{})
}

// Ping checks the connection.
func (r *Remote) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return remote.Fail(Name, "ping", 0, err)
	}
	return nil
}

// Close closes the connection pool.
func (r *Remote) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// searchClause returns the ILIKE condition over models.SearchFields.
func searchClause(search string) (string, []interface{}) {
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(search)) + "%"
	conds := make([]string, 0, len(models.SearchFields))
	args := make([]interface{}, 0, len(models.SearchFields))
	for _, field := range models.SearchFields {
		conds = append(conds, field+" ILIKE ?")
		args = append(args, pattern)
	}
	return strings.Join(conds, " OR "), args
}

// Query implements remote.Backend.
func (r *Remote) Query(ctx context.Context, q remote.Query) ([]*models.Customer, error) {
	tx := r.db.WithContext(ctx).Model(&models.Customer{})
	if q.OwnerID != nil {
		tx = tx.Where("owner_id = ?", *q.OwnerID)
	}
	if q.Category != "" {
		tx = tx.Where("category = ?", q.Category)
	}
	if strings.TrimSpace(q.Search) != "" {
		clause, args := searchClause(q.Search)
		tx = tx.Where(clause, args...)
	}

	var out []*models.Customer
	if err := tx.Order("updated_at DESC").Order("id DESC").Find(&out).Error; err != nil {
		return nil, remote.Fail(Name, remote.OpQuery, 0, err)
	}
	return out, nil
}

// Get implements remote.Getter.
func (r *Remote) Get(ctx context.Context, id int64) (*models.Customer, error) {
	var c models.Customer
	err := r.db.WithContext(ctx).First(&c, id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, remote.Fail(Name, remote.OpGet, 0, err)
	}
	return &c, nil
}

// Insert implements remote.Backend. The id is stripped and both timestamps are set
// to now.
func (r *Remote) Insert(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	row := c.Clone()
	now := models.FormatTime(r.now())
	row.ID = 0
	row.IsLocal = false
	row.SyncedAt = ""
	row.CreatedAt = now
	row.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, remote.Fail(Name, remote.OpInsert, 0, err)
	}
	return row, nil
}

// updateColumns restricts p to updatable columns, drops nil and empty values and
// stamps updated_at. It returns the selected columns and the record carrying their
// values.
func updateColumns(p models.Patch, now time.Time) ([]string, *models.Customer, error) {
	clean := p.Only(updatable).Compact()
	values, err := models.NewCustomer(clean)
	if err != nil {
		return nil, nil, err
	}
	values.UpdatedAt = models.FormatTime(now)
	return append(clean.Keys(), models.FieldUpdatedAt), values, nil
}

// Update implements remote.Backend.
func (r *Remote) Update(ctx context.Context, id int64, p models.Patch) (*models.Customer, error) {
	cols, values, err := updateColumns(p, r.now())
	if err != nil {
		return nil, remote.Fail(Name, remote.OpUpdate, 400, err)
	}

	var out models.Customer
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Customer{ID: id}).Select(cols).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&out, id).Error
	})
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, remote.NotFound(Name, remote.OpUpdate, id)
	}
	if err != nil {
		return nil, remote.Fail(Name, remote.OpUpdate, 0, err)
	}
	return &out, nil
}

// Delete implements remote.Backend. Next-step history of the record goes with it.
func (r *Remote) Delete(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Customer{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("customer_id = ?", id).Delete(&models.NextStepHistory{}).Error
	})
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return remote.NotFound(Name, remote.OpDelete, id)
	}
	if err != nil {
		return remote.Fail(Name, remote.OpDelete, 0, err)
	}
	return nil
}

// ListNextSteps implements remote.HistoryBackend, newest first.
func (r *Remote) ListNextSteps(ctx context.Context, customerID int64) ([]*models.NextStepHistory, error) {
	var out []*models.NextStepHistory
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").Order("id DESC").
		Find(&out).Error
	if err != nil {
		return nil, remote.Fail(Name, remote.OpListHistory, 0, err)
	}
	return out, nil
}

// AddNextStep implements remote.HistoryBackend.
func (r *Remote) AddNextStep(ctx context.Context, entry *models.NextStepHistory) (*models.NextStepHistory, error) {
	row := *entry
	row.ID = 0
	if row.CreatedAt == "" {
		row.CreatedAt = models.FormatTime(r.now())
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, remote.Fail(Name, remote.OpAddHistory, 0, err)
	}
	return &row, nil
}

var (
	_ remote.Backend        = (*Remote)(nil)
	_ remote.Getter         = (*Remote)(nil)
	_ remote.HistoryBackend = (*Remote)(nil)
)
