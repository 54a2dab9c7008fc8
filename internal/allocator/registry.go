package allocator

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/provpn/backend/internal/models"
)

// Registry manages profiles and their port sets. All writes validate
// against the failure kinds in errors.go; usage-derived state (port
// fill) is never stored here, only capacities and order.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// PortSpec declares one candidate port at registration time
type PortSpec struct {
	Port     int `json:"port"`
	Capacity int `json:"capacity"`
}

// RegisterProfileInput is the payload for Register
type RegisterProfileInput struct {
	Name          string     `json:"name"`
	PanelID       uint       `json:"panel_id"`
	Prefix        string     `json:"prefix"`
	Suffix        string     `json:"suffix"`
	StartSequence int64      `json:"start_sequence"`
	QuotaGB       float64    `json:"quota_gb"`
	ValidityDays  int        `json:"validity_days"`
	Protocol      string     `json:"protocol"`
	Ports         []PortSpec `json:"ports"`
}

var supportedProtocols = map[string]bool{
	"vless":       true,
	"vmess":       true,
	"trojan":      true,
	"shadowsocks": true,
}

// Register creates a profile together with its candidate ports.
// Port order in the input is preserved and becomes the rotation order.
func (r *Registry) Register(input RegisterProfileInput) (*models.Profile, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Prefix = strings.TrimSpace(input.Prefix)

	if input.Name == "" {
		return nil, fmt.Errorf("%w: profile name is required", ErrValidation)
	}
	if input.Prefix == "" {
		return nil, fmt.Errorf("%w: prefix is required", ErrValidation)
	}
	if input.StartSequence == 0 {
		input.StartSequence = 1
	}
	if input.StartSequence < 1 {
		return nil, fmt.Errorf("%w: start sequence must be >= 1", ErrValidation)
	}
	if input.QuotaGB < 0 {
		return nil, fmt.Errorf("%w: quota must not be negative", ErrValidation)
	}
	if input.ValidityDays < 0 {
		return nil, fmt.Errorf("%w: validity days must not be negative", ErrValidation)
	}
	if input.Protocol == "" {
		input.Protocol = "vless"
	}
	if !supportedProtocols[input.Protocol] {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrValidation, input.Protocol)
	}

	seen := make(map[int]bool, len(input.Ports))
	for _, p := range input.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return nil, fmt.Errorf("%w: port %d out of range", ErrValidation, p.Port)
		}
		if p.Capacity < 1 {
			return nil, fmt.Errorf("%w: capacity for port %d must be >= 1", ErrValidation, p.Port)
		}
		if seen[p.Port] {
			return nil, fmt.Errorf("%w: port %d listed twice", ErrDuplicatePort, p.Port)
		}
		seen[p.Port] = true
	}

	var panel models.Panel
	if err := r.db.First(&panel, input.PanelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownPanel, input.PanelID)
		}
		return nil, err
	}

	var count int64
	if err := r.db.Model(&models.Profile{}).Where("name = ?", input.Name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: profile %q already exists", ErrValidation, input.Name)
	}

	profile := models.Profile{
		Name:          input.Name,
		PanelID:       panel.ID,
		Prefix:        input.Prefix,
		Suffix:        input.Suffix,
		StartSequence: input.StartSequence,
		QuotaGB:       input.QuotaGB,
		ValidityDays:  input.ValidityDays,
		Protocol:      input.Protocol,
		Enabled:       true,
	}
	for i, p := range input.Ports {
		profile.Ports = append(profile.Ports, models.ProfilePort{
			Port:      p.Port,
			Capacity:  p.Capacity,
			SortOrder: i,
		})
	}

	if err := r.db.Create(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// AddPort appends a candidate port to an existing profile. The new port
// joins the rotation after all previously registered ones.
func (r *Registry) AddPort(profileName string, port, capacity int) (*models.ProfilePort, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrValidation, port)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be >= 1", ErrValidation)
	}

	profile, err := r.Get(profileName)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := r.db.Model(&models.ProfilePort{}).
		Where("profile_id = ? AND port = ?", profile.ID, port).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: port %d on profile %q", ErrDuplicatePort, port, profileName)
	}

	var maxOrder int
	row := r.db.Model(&models.ProfilePort{}).
		Where("profile_id = ?", profile.ID).
		Select("COALESCE(MAX(sort_order), -1)").Row()
	if err := row.Scan(&maxOrder); err != nil {
		return nil, err
	}

	pp := models.ProfilePort{
		ProfileID: profile.ID,
		Port:      port,
		Capacity:  capacity,
		SortOrder: maxOrder + 1,
	}
	if err := r.db.Create(&pp).Error; err != nil {
		return nil, err
	}
	return &pp, nil
}

// SetPortCapacity adjusts a port's capacity. Lowering it below current
// usage is allowed: the port stops receiving new allocations until usage
// drains below the new bound, existing allocations stay untouched.
func (r *Registry) SetPortCapacity(profileName string, port, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1", ErrValidation)
	}

	profile, err := r.Get(profileName)
	if err != nil {
		return err
	}

	res := r.db.Model(&models.ProfilePort{}).
		Where("profile_id = ? AND port = ?", profile.ID, port).
		Update("capacity", capacity)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: port %d on profile %q", ErrUnknownPort, port, profileName)
	}
	return nil
}

// Toggle enables or disables allocations for a profile
func (r *Registry) Toggle(profileName string, enabled bool) error {
	res := r.db.Model(&models.Profile{}).
		Where("name = ?", profileName).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, profileName)
	}
	return nil
}

// Get loads a profile by name with its ports in rotation order
func (r *Registry) Get(profileName string) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.Preload("Ports", func(db *gorm.DB) *gorm.DB {
		return db.Order("sort_order, id")
	}).Where("name = ?", profileName).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profileName)
		}
		return nil, err
	}
	return &profile, nil
}

// List returns all profiles with their ports in rotation order
func (r *Registry) List() ([]models.Profile, error) {
	var profiles []models.Profile
	err := r.db.Preload("Ports", func(db *gorm.DB) *gorm.DB {
		return db.Order("sort_order, id")
	}).Order("id").Find(&profiles).Error
	return profiles, err
}

// Delete removes a profile and its ports. Refused while allocations
// for the profile still exist; revoke them first.
func (r *Registry) Delete(profileName string) error {
	profile, err := r.Get(profileName)
	if err != nil {
		return err
	}

	var count int64
	if err := r.db.Model(&models.Allocation{}).
		Where("profile_id = ?", profile.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: profile %q has %d active allocations", ErrValidation, profileName, count)
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", profile.ID).Delete(&models.ProfilePort{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&models.Profile{}, profile.ID).Error
	})
}
