package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/talonops/internal/models"
	"github.com/vesaa/talonops/internal/scope"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidEnrollToken = errors.New("enrollment token invalid, expired or exhausted")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCommandNotFound    = errors.New("command not found")
	ErrClientNotFound     = errors.New("client not found")
	ErrUserNotFound       = errors.New("user not found")
)

// Repo is the GORM-backed store for everything the HTTP layer owns.
type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepo wraps an opened, migrated database.
func NewRepo(db *gorm.DB, now func() time.Time) *Repo {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Repo{db: db, now: now}
}

// ── Devices ──────────────────────────────────────────────────────────────────

// EnrollPayload is what an agent sends to join the fleet.
type EnrollPayload struct {
	Token    string `json:"token" binding:"required"`
	Hostname string `json:"hostname" binding:"required"`
	IP       string `json:"ip"`
	OS       string `json:"os"`
	Group    string `json:"group"`
	AgentVer string `json:"agent_ver"`
}

// EnrollDevice consumes one use of the enrollment token and creates a
// device under the token's client. The plain secret is returned once and
// only its hash is stored.
func (r *Repo) EnrollDevice(ctx context.Context, p EnrollPayload) (*models.Device, string, error) {
	secret := uuid.NewString() + uuid.NewString()
	var dev models.Device

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tok models.EnrollmentToken
		if err := tx.Where("token = ?", p.Token).First(&tok).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidEnrollToken
			}
			return err
		}
		if !tok.Usable(r.now()) {
			return ErrInvalidEnrollToken
		}
		if err := tx.Model(&tok).Update("uses", gorm.Expr("uses + 1")).Error; err != nil {
			return err
		}

		group := p.Group
		if group == "" {
			group = "default"
		}
		dev = models.Device{
			DeviceID: uuid.NewString(),
			Hostname: p.Hostname,
			IP:       p.IP,
			OS:       p.OS,
			ClientID: tok.ClientID,
			Secret:   hashSecret(secret),
			Group:    group,
			Status:   models.DeviceStatusOnline,
			LastSeen: r.now(),
			AgentVer: p.AgentVer,
		}
		return tx.Create(&dev).Error
	})
	if err != nil {
		if errors.Is(err, ErrInvalidEnrollToken) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("enroll device: %w", err)
	}
	return &dev, secret, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyDeviceSecret returns the device when secret matches.
func (r *Repo) VerifyDeviceSecret(ctx context.Context, deviceID, secret string) (*models.Device, error) {
	dev, err := r.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(dev.Secret), []byte(hashSecret(secret))) != 1 {
		return nil, ErrInvalidCredentials
	}
	return dev, nil
}

// GetDevice loads a device by its external id.
func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var dev models.Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	return &dev, nil
}

// DeviceClientID implements scope.DeviceLookup.
func (r *Repo) DeviceClientID(ctx context.Context, deviceID string) (*uint, bool, error) {
	dev, err := r.GetDevice(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return dev.ClientID, true, nil
}

// ListDevices returns devices visible in sc ordered by hostname.
func (r *Repo) ListDevices(ctx context.Context, sc *scope.Scope) ([]models.Device, error) {
	clause, params := scope.Filter(sc, "")
	var out []models.Device
	if err := r.db.WithContext(ctx).Where(clause, params...).Order("hostname").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// DeleteDevice soft-deletes a device.
func (r *Repo) DeleteDevice(ctx context.Context, deviceID string) error {
	res := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&models.Device{})
	if res.Error != nil {
		return fmt.Errorf("delete device %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// UpdateDevice applies console-editable fields.
func (r *Repo) UpdateDevice(ctx context.Context, deviceID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update device %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// MarkSeen records a sign of life and flips the device online.
func (r *Repo) MarkSeen(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"status":    models.DeviceStatusOnline,
			"last_seen": r.now(),
		}).Error
}

// MarkStaleOffline flips online devices silent since before cutoff to
// offline and returns them.
func (r *Repo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]models.Device, error) {
	var stale []models.Device
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND last_seen < ?", models.DeviceStatusOnline, cutoff).Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]uint, len(stale))
		for i, d := range stale {
			ids[i] = d.ID
		}
		return tx.Model(&models.Device{}).Where("id IN ?", ids).Update("status", models.DeviceStatusOffline).Error
	})
	if err != nil {
		return nil, fmt.Errorf("mark stale devices offline: %w", err)
	}
	return stale, nil
}

// SaveCheckResult stores the raw payload of one check.
func (r *Repo) SaveCheckResult(ctx context.Context, deviceID, checkType string, payload []byte) error {
	res := models.CheckResult{
		DeviceID:   deviceID,
		CheckType:  checkType,
		Payload:    string(payload),
		ReportedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&res).Error; err != nil {
		return fmt.Errorf("save check result: %w", err)
	}
	return nil
}

// LatestChecks returns the most recent result per check type for a device.
func (r *Repo) LatestChecks(ctx context.Context, deviceID string) ([]models.CheckResult, error) {
	var out []models.CheckResult
	latest := r.db.Model(&models.CheckResult{}).
		Select("MAX(id)").
		Where("device_id = ?", deviceID).
		Group("check_type")
	err := r.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Order("check_type").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("latest checks for %s: %w", deviceID, err)
	}
	return out, nil
}

// ── Enrollment tokens ────────────────────────────────────────────────────────

// CreateEnrollmentToken issues a new random token.
func (r *Repo) CreateEnrollmentToken(ctx context.Context, tok *models.EnrollmentToken) error {
	tok.Token = uuid.NewString()
	if err := r.db.WithContext(ctx).Create(tok).Error; err != nil {
		return fmt.Errorf("create enrollment token: %w", err)
	}
	return nil
}

// ListEnrollmentTokens returns tokens visible in sc, newest first.
func (r *Repo) ListEnrollmentTokens(ctx context.Context, sc *scope.Scope) ([]models.EnrollmentToken, error) {
	clause, params := scope.Filter(sc, "")
	var out []models.EnrollmentToken
	if err := r.db.WithContext(ctx).Where(clause, params...).Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list enrollment tokens: %w", err)
	}
	return out, nil
}

// ── Clients & users ──────────────────────────────────────────────────────────

// ClientIDsForUser implements scope.AssignmentLookup.
func (r *Repo) ClientIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	ids := make([]uint, 0)
	err := r.db.WithContext(ctx).
		Model(&models.UserClientAssignment{}).
		Where("user_id = ?", userID).
		Order("client_id").
		Pluck("client_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load client assignments for user %d: %w", userID, err)
	}
	return ids, nil
}

// Authenticate checks a username/password pair.
func (r *Repo) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// CreateUser hashes the password and inserts the user.
func (r *Repo) CreateUser(ctx context.Context, username, password string, role models.Role) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := models.User{Username: username, PasswordHash: string(hash), Role: role}
	if err := r.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// AssignClient grants userID access to clientID. Re-assigning is a no-op.
func (r *Repo) AssignClient(ctx context.Context, userID, clientID uint) error {
	db := r.db.WithContext(ctx)
	var n int64
	if err := db.Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	if err := db.Model(&models.Client{}).Where("id = ?", clientID).Count(&n).Error; err != nil {
		return fmt.Errorf("check client: %w", err)
	}
	if n == 0 {
		return ErrClientNotFound
	}
	a := models.UserClientAssignment{UserID: userID, ClientID: clientID}
	if err := db.Where(&a).FirstOrCreate(&a).Error; err != nil {
		return fmt.Errorf("assign client %d to user %d: %w", clientID, userID, err)
	}
	return nil
}

// CreateClient inserts a tenant.
func (r *Repo) CreateClient(ctx context.Context, c *models.Client) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// ListClients returns the clients visible in sc.
func (r *Repo) ListClients(ctx context.Context, sc *scope.Scope) ([]models.Client, error) {
	var all []models.Client
	if err := r.db.WithContext(ctx).Order("name").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]models.Client, 0, len(all))
	for _, c := range all {
		id := c.ID
		if sc.Allows(&id) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ── Tickets ──────────────────────────────────────────────────────────────────

// CreateTicket inserts a ticket.
func (r *Repo) CreateTicket(ctx context.Context, t *models.Ticket) error {
	if t.Status == "" {
		t.Status = "open"
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// ListTickets returns tickets visible in sc, newest first.
func (r *Repo) ListTickets(ctx context.Context, sc *scope.Scope) ([]models.Ticket, error) {
	clause, params := scope.Filter(sc, "")
	var out []models.Ticket
	if err := r.db.WithContext(ctx).Where(clause, params...).Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}
