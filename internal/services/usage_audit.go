package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/xui"
)

// UsageAuditService compares the client lists on every panel against the
// allocation records and logs drift in both directions. Remote-only
// clients are candidates for cleanup; local-only records mean someone
// removed a client on the panel directly.
type UsageAuditService struct {
	cfg      *config.Config
	stopChan chan struct{}
}

// NewUsageAuditService creates a new usage audit service
func NewUsageAuditService(cfg *config.Config) *UsageAuditService {
	return &UsageAuditService{
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start starts the audit loop
func (s *UsageAuditService) Start() {
	log.Println("UsageAuditService started, auditing every 1 hour")

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	// Initial sweep
	s.auditPanels()

	for {
		select {
		case <-s.stopChan:
			log.Println("UsageAuditService stopped")
			return
		case <-ticker.C:
			s.auditPanels()
		}
	}
}

// Stop stops the audit loop
func (s *UsageAuditService) Stop() {
	close(s.stopChan)
}

// auditPanels sweeps all active panels
func (s *UsageAuditService) auditPanels() {
	var panels []models.Panel
	if err := database.DB.Where("is_active = ?", true).Find(&panels).Error; err != nil {
		log.Printf("UsageAudit: Failed to load panels: %v", err)
		return
	}

	for i := range panels {
		remoteOnly, localOnly, err := s.auditPanel(&panels[i])
		if err != nil {
			log.Printf("UsageAudit: Skipping panel %s: %v", panels[i].Name, err)
			continue
		}
		if remoteOnly > 0 || localOnly > 0 {
			log.Printf("UsageAudit: Panel %s drift: %d remote-only, %d local-only", panels[i].Name, remoteOnly, localOnly)
		}
	}

	// Capacity reports age out of redis; recompute them from allocation
	// rows on every sweep
	database.WarmupCapacityCache()
}

// auditPanel compares one panel's clients with the allocation table and
// returns the drift counts
func (s *UsageAuditService) auditPanel(panel *models.Panel) (remoteOnly, localOnly int, err error) {
	// Only ports registered by a profile on this panel are audited;
	// unrelated inbounds stay out of the report
	var registeredPorts []int
	err = database.DB.Raw(`
		SELECT DISTINCT pp.port
		FROM profile_ports pp
		JOIN profiles p ON p.id = pp.profile_id
		WHERE p.panel_id = ? AND p.deleted_at IS NULL
	`, panel.ID).Scan(&registeredPorts).Error
	if err != nil {
		return 0, 0, err
	}
	if len(registeredPorts) == 0 {
		return 0, 0, nil
	}

	audited := make(map[int]bool, len(registeredPorts))
	for _, port := range registeredPorts {
		audited[port] = true
	}

	client, err := xui.GetPool().Get(panel)
	if err != nil {
		return 0, 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.PanelTimeoutSeconds)*time.Second)
	defer cancel()

	inbounds, err := client.ListInbounds(ctx)
	if err != nil {
		return 0, 0, err
	}

	// Remote clients keyed by port/email
	remote := make(map[string]bool)
	seenPorts := make(map[int]bool)
	for _, inbound := range inbounds {
		if !audited[inbound.Port] {
			continue
		}
		seenPorts[inbound.Port] = true
		for _, stat := range inbound.ClientStats {
			remote[clientKey(inbound.Port, stat.Email)] = true
		}
	}

	var allocations []models.Allocation
	if err := database.DB.Where("panel_id = ?", panel.ID).Find(&allocations).Error; err != nil {
		return 0, 0, err
	}

	local := make(map[string]bool, len(allocations))
	for _, a := range allocations {
		local[clientKey(a.Port, a.Name)] = true
	}

	for _, inbound := range inbounds {
		if !audited[inbound.Port] {
			continue
		}
		for _, stat := range inbound.ClientStats {
			if !local[clientKey(inbound.Port, stat.Email)] {
				remoteOnly++
				log.Printf("UsageAudit: Panel %s port %d has client %q with no allocation record", panel.Name, inbound.Port, stat.Email)
			}
		}
	}

	for _, a := range allocations {
		// A port whose inbound vanished would flag every record on it,
		// so only compare against inbounds the panel actually returned
		if !seenPorts[a.Port] {
			continue
		}
		if !remote[clientKey(a.Port, a.Name)] {
			localOnly++
			log.Printf("UsageAudit: Allocation %q (port %d) is missing on panel %s", a.Name, a.Port, panel.Name)
		}
	}

	return remoteOnly, localOnly, nil
}

func clientKey(port int, name string) string {
	return fmt.Sprintf("%d/%s", port, name)
}
