package loans

import (
	"context"
	"time"

	"Gin_postgres_redis_laptop_checkout/models"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize 补默认值、夹取上限
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// NextOffset 还有下一页时返回偏移量，否则 nil
func (p Page) NextOffset(total int64) *int {
	next := p.Offset + p.Limit
	if int64(next) >= total {
		return nil
	}
	return &next
}

type LoanFilter struct {
	Email     string
	ClassName string
	DeviceTag string
	Statuses  []models.LoanStatus
	// 非零时只取 picked_up 且 dueDate 早于该时间的
	OverdueAt time.Time
}

type DeviceFilter struct {
	Status        models.DeviceStatus
	AssignedClass string
	Query         string // asset tag / current user 模糊匹配
}

// Store is the loan and device persistence the service runs against.
// Lookups return ErrNoRecord when nothing matches.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetLoan(ctx context.Context, id string) (*models.Loan, error)
	ListLoans(ctx context.Context, f LoanFilter, p Page) ([]models.Loan, int64, error)
	ListEvents(ctx context.Context, loanID string) ([]models.LoanEvent, error)

	GetDevice(ctx context.Context, tag string) (*models.Device, error)
	ListDevices(ctx context.Context, f DeviceFilter, p Page) ([]models.Device, int64, error)
	// UpsertDevice 锁定（不存在则新建零值）设备，交给 fn 修改后保存；created 表示是新建
	UpsertDevice(ctx context.Context, tag string, fn func(d *models.Device, created bool) error) (*models.Device, error)
	// CreateDevices 批量建档，已存在的跳过，返回新建数量
	CreateDevices(ctx context.Context, devices []models.Device) (int, error)

	PendingSyncs(ctx context.Context, limit int) ([]models.DeviceSync, error)
	CompleteSync(ctx context.Context, id string) error
	FailSync(ctx context.Context, id string, cause string) error
	CountPendingSyncs(ctx context.Context) (int64, error)
}

// Tx 事务内操作；行锁语义由实现保证
type Tx interface {
	// LoanForUpdate 返回 ErrNoRecord 当 id 不存在
	LoanForUpdate(id string) (*models.Loan, error)
	// 以下两者找不到时返回 nil, nil
	ActiveLoanByEmail(email string) (*models.Loan, error)
	ActiveLoanByDevice(tag string, excludeID string) (*models.Loan, error)
	// InsertLoan 返回 ErrDuplicateActive 当同邮箱已有进行中的申请
	InsertLoan(l *models.Loan) error
	SaveLoan(l *models.Loan) error
	DeviceForUpdate(tag string) (*models.Device, error)
	AppendEvent(e *models.LoanEvent) error
	EnqueueSync(s *models.DeviceSync) error
}
