package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"devicehub-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	// InDevice runs fn inside a single database transaction. Callers are
	// expected to hold the device's exclusion while it runs.
	InDevice(ctx context.Context, fn func(tx *Tx) error) error

	ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, int64, error)
	DevicesByID(ctx context.Context, ids []int64) (map[int64]model.Device, error)
	GetDevice(ctx context.Context, id int64) (*model.Device, error)
	CreateDevice(ctx context.Context, in DeviceInput) (*model.Device, error)
	UpdateDevice(ctx context.Context, id int64, in DeviceInput) (*model.Device, error)
	ListGroups(ctx context.Context) ([]model.Group, error)
	CreateGroup(ctx context.Context, group *model.Group) error

	Reservations(ctx context.Context, deviceIDs []int64) (map[int64]model.Reservation, error)
	ReservationsHeldBy(ctx context.Context, user string) ([]model.Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time) ([]int64, error)
	QueueEntries(ctx context.Context, deviceIDs []int64) (map[int64][]model.QueueEntry, error)
	QueueEntriesOf(ctx context.Context, user string) ([]model.QueueEntry, error)
	DeviceIDsWithActivity(ctx context.Context) ([]int64, error)

	ShareRequests(ctx context.Context, query ShareQuery) ([]model.ShareRequest, error)
	UsageHistory(ctx context.Context, deviceID int64, page, pageSize int) ([]model.UsageHistory, int64, error)

	UpdateConnectivity(ctx context.Context, deviceID int64, status bool, checkedAt time.Time) error
	DeviceAddresses(ctx context.Context, ids []int64) (map[int64]string, error)
}

// ShareQuery selects share requests. Zero values are ignored.
type ShareQuery struct {
	DeviceIDs []int64
	Requester string
	Statuses  []model.ShareStatus
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) InDevice(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

// ListDevices returns one page of devices matching filter and the total match count.
func (s *gormStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, int64, error) {
	var total int64
	if err := s.deviceQuery(ctx, filter).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count devices: %w", err)
	}

	var devices []model.Device
	page := s.deviceQuery(ctx, filter).Preload("Groups").Order("id ASC")
	if filter.PageSize > 0 {
		page = page.Offset(filter.Offset()).Limit(filter.PageSize)
	}
	if err := page.Find(&devices).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, total, nil
}

func (s *gormStore) deviceQuery(ctx context.Context, filter DeviceFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&model.Device{})

	if filter.Keyword != "" {
		like := "%" + filter.Keyword + "%"
		q = q.Where("name LIKE ? OR ip LIKE ?", like, like)
	}
	if filter.DeviceType != "" {
		q = q.Where("device_type = ?", filter.DeviceType)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.GroupID > 0 {
		q = q.Where("id IN (?)", s.db.Table("device_groups").Select("device_id").Where("group_id = ?", filter.GroupID))
	}
	switch filter.Status {
	case StatusAvailable:
		q = q.Where("id NOT IN (?)", s.db.Model(&model.Reservation{}).Select("device_id"))
	case StatusOccupied:
		q = q.Where("id IN (?)", s.db.Model(&model.Reservation{}).Select("device_id").Where("is_long_term = ?", false))
	case StatusLongTermOccupied:
		q = q.Where("id IN (?)", s.db.Model(&model.Reservation{}).Select("device_id").Where("is_long_term = ?", true))
	}
	return q
}

func (s *gormStore) DevicesByID(ctx context.Context, ids []int64) (map[int64]model.Device, error) {
	result := make(map[int64]model.Device, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var devices []model.Device
	if err := s.db.WithContext(ctx).Preload("Groups").Where("id IN ?", ids).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch devices: %w", err)
	}
	for _, d := range devices {
		result[d.ID] = d
	}
	return result, nil
}

func (s *gormStore) GetDevice(ctx context.Context, id int64) (*model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).Preload("Groups").First(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch device %d: %w", id, err)
	}
	return &device, nil
}

// CreateDevice validates IP uniqueness and inserts the device with its groups.
func (s *gormStore) CreateDevice(ctx context.Context, in DeviceInput) (*model.Device, error) {
	device := model.Device{DeviceType: model.DeviceTypeTest, SupportQueue: true}
	applyDeviceInput(&device, in)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUniqueIP(tx, device.IP, 0); err != nil {
			return err
		}
		if err := tx.Omit("Groups").Create(&device).Error; err != nil {
			return fmt.Errorf("failed to create device: %w", err)
		}
		return replaceGroups(tx, &device, in.GroupIDs)
	})
	if err != nil {
		return nil, err
	}
	return s.GetDevice(ctx, device.ID)
}

// UpdateDevice applies the non-nil fields of in to the device.
func (s *gormStore) UpdateDevice(ctx context.Context, id int64, in DeviceInput) (*model.Device, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		if err := tx.First(&device, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if in.IP != nil && *in.IP != device.IP {
			if err := ensureUniqueIP(tx, *in.IP, id); err != nil {
				return err
			}
		}
		applyDeviceInput(&device, in)
		if err := tx.Omit("Groups").Save(&device).Error; err != nil {
			return fmt.Errorf("failed to update device %d: %w", id, err)
		}
		if in.GroupIDs != nil {
			return replaceGroups(tx, &device, in.GroupIDs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetDevice(ctx, id)
}

func (s *gormStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	if err := s.db.WithContext(ctx).Order("sort_order ASC, id ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

func (s *gormStore) CreateGroup(ctx context.Context, group *model.Group) error {
	if err := s.db.WithContext(ctx).Create(group).Error; err != nil {
		return fmt.Errorf("failed to create group %q: %w", group.Name, err)
	}
	return nil
}

func (s *gormStore) Reservations(ctx context.Context, deviceIDs []int64) (map[int64]model.Reservation, error) {
	var rows []model.Reservation
	q := s.db.WithContext(ctx)
	if deviceIDs != nil {
		if len(deviceIDs) == 0 {
			return map[int64]model.Reservation{}, nil
		}
		q = q.Where("device_id IN ?", deviceIDs)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reservations: %w", err)
	}
	result := make(map[int64]model.Reservation, len(rows))
	for _, r := range rows {
		result[r.DeviceID] = r
	}
	return result, nil
}

func (s *gormStore) ReservationsHeldBy(ctx context.Context, user string) ([]model.Reservation, error) {
	var rows []model.Reservation
	if err := s.db.WithContext(ctx).Where("holder = ?", user).Order("device_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reservations of %s: %w", user, err)
	}
	return rows, nil
}

// ExpiredReservations returns the devices whose long-term reservation end date has passed.
func (s *gormStore) ExpiredReservations(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.Reservation{}).
		Where("is_long_term = ? AND end_date IS NOT NULL AND end_date <= ?", true, now).
		Order("device_id ASC").
		Pluck("device_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expired reservations: %w", err)
	}
	return ids, nil
}

func (s *gormStore) QueueEntries(ctx context.Context, deviceIDs []int64) (map[int64][]model.QueueEntry, error) {
	result := make(map[int64][]model.QueueEntry)
	if len(deviceIDs) == 0 {
		return result, nil
	}
	var rows []model.QueueEntry
	if err := s.db.WithContext(ctx).Where("device_id IN ?", deviceIDs).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queue entries: %w", err)
	}
	for _, e := range rows {
		result[e.DeviceID] = append(result[e.DeviceID], e)
	}
	return result, nil
}

func (s *gormStore) QueueEntriesOf(ctx context.Context, user string) ([]model.QueueEntry, error) {
	var rows []model.QueueEntry
	if err := s.db.WithContext(ctx).Where("waiter = ?", user).Order("device_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queue entries of %s: %w", user, err)
	}
	return rows, nil
}

// DeviceIDsWithActivity returns, in ascending order, every device that has a
// reservation or at least one queue entry.
func (s *gormStore) DeviceIDsWithActivity(ctx context.Context) ([]int64, error) {
	var held, queued []int64
	if err := s.db.WithContext(ctx).Model(&model.Reservation{}).Pluck("device_id", &held).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reserved devices: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.QueueEntry{}).Distinct("device_id").Pluck("device_id", &queued).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queued devices: %w", err)
	}

	seen := make(map[int64]struct{}, len(held)+len(queued))
	ids := make([]int64, 0, len(held)+len(queued))
	for _, id := range append(held, queued...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *gormStore) ShareRequests(ctx context.Context, query ShareQuery) ([]model.ShareRequest, error) {
	q := s.db.WithContext(ctx)
	if query.DeviceIDs != nil {
		if len(query.DeviceIDs) == 0 {
			return nil, nil
		}
		q = q.Where("device_id IN ?", query.DeviceIDs)
	}
	if query.Requester != "" {
		q = q.Where("requester = ?", query.Requester)
	}
	if len(query.Statuses) > 0 {
		q = q.Where("status IN ?", query.Statuses)
	}
	var rows []model.ShareRequest
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch share requests: %w", err)
	}
	return rows, nil
}

func (s *gormStore) UsageHistory(ctx context.Context, deviceID int64, page, pageSize int) ([]model.UsageHistory, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.UsageHistory{}).Where("device_id = ?", deviceID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count usage history: %w", err)
	}

	offset := 0
	if page > 1 {
		offset = (page - 1) * pageSize
	}
	var rows []model.UsageHistory
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).
		Order("end_time DESC, id DESC").Offset(offset).Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch usage history: %w", err)
	}
	return rows, total, nil
}

// UpdateConnectivity mirrors a probe result onto the device row. The ping
// time only moves when the device answered, and a result older than the one
// already stored is ignored.
func (s *gormStore) UpdateConnectivity(ctx context.Context, deviceID int64, status bool, checkedAt time.Time) error {
	columns := map[string]any{
		"connectivity_status":     status,
		"last_connectivity_check": checkedAt,
	}
	if status {
		columns["last_ping_time"] = checkedAt
	}
	err := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ? AND (last_connectivity_check IS NULL OR last_connectivity_check <= ?)", deviceID, checkedAt).
		UpdateColumns(columns).Error
	if err != nil {
		return fmt.Errorf("failed to persist connectivity for device %d: %w", deviceID, err)
	}
	return nil
}

func (s *gormStore) DeviceAddresses(ctx context.Context, ids []int64) (map[int64]string, error) {
	result := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var rows []model.Device
	if err := s.db.WithContext(ctx).Select("id", "ip").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch device addresses: %w", err)
	}
	for _, d := range rows {
		result[d.ID] = d.IP
	}
	return result, nil
}

// --- helpers ---

func ensureUniqueIP(tx *gorm.DB, ip string, exceptID int64) error {
	var count int64
	if err := tx.Model(&model.Device{}).Where("ip = ? AND id <> ?", ip, exceptID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check ip uniqueness: %w", err)
	}
	if count > 0 {
		return ErrDuplicateIP
	}
	return nil
}

func replaceGroups(tx *gorm.DB, device *model.Device, groupIDs []int64) error {
	groups := []model.Group{}
	if len(groupIDs) > 0 {
		if err := tx.Find(&groups, groupIDs).Error; err != nil {
			return err
		}
	}
	if err := tx.Model(device).Association("Groups").Replace(&groups); err != nil {
		return fmt.Errorf("failed to set groups of device %d: %w", device.ID, err)
	}
	return nil
}

func applyDeviceInput(d *model.Device, in DeviceInput) {
	if in.Name != nil {
		d.Name = *in.Name
	}
	if in.IP != nil {
		d.IP = *in.IP
	}
	if in.DeviceType != nil {
		d.DeviceType = *in.DeviceType
	}
	if in.Owner != nil {
		d.Owner = *in.Owner
	}
	if in.Creator != nil {
		d.Creator = *in.Creator
	}
	if in.SupportQueue != nil {
		d.SupportQueue = *in.SupportQueue
	}
	if in.MaxOccupyMinutes != nil {
		v := *in.MaxOccupyMinutes
		d.MaxOccupyMinutes = &v
	}
	if in.ClearMaxOccupy {
		d.MaxOccupyMinutes = nil
	}
	if in.NeedVPNLogin != nil {
		d.NeedVPNLogin = *in.NeedVPNLogin
	}
	if in.VPNConfigID != nil {
		v := *in.VPNConfigID
		d.VPNConfigID = &v
	}
	if in.AdminUsername != nil {
		d.AdminUsername = *in.AdminUsername
	}
	if in.AdminPassword != nil {
		d.AdminPassword = *in.AdminPassword
	}
	if in.Remarks != nil {
		d.Remarks = *in.Remarks
	}
}
