package services

import (
	"context"
	"log"
	"time"

	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/xui"
)

// PanelHealthService pings every active panel and keeps is_online current
type PanelHealthService struct {
	cfg      *config.Config
	stopChan chan struct{}
}

// NewPanelHealthService creates a new panel health service
func NewPanelHealthService(cfg *config.Config) *PanelHealthService {
	return &PanelHealthService{
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start starts the health check loop
func (s *PanelHealthService) Start() {
	log.Println("PanelHealthService started, checking every 1 minute")

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	// Initial check
	s.checkPanels()

	for {
		select {
		case <-s.stopChan:
			log.Println("PanelHealthService stopped")
			return
		case <-ticker.C:
			s.checkPanels()
		}
	}
}

// Stop stops the health check loop
func (s *PanelHealthService) Stop() {
	close(s.stopChan)
}

// checkPanels probes all active panels concurrently
func (s *PanelHealthService) checkPanels() {
	var panels []models.Panel
	if err := database.DB.Where("is_active = ?", true).Find(&panels).Error; err != nil {
		log.Printf("PanelHealth: Failed to load panels: %v", err)
		return
	}

	for i := range panels {
		go s.checkPanel(&panels[i])
	}
}

// checkPanel probes one panel and records the outcome
func (s *PanelHealthService) checkPanel(panel *models.Panel) {
	wasOnline := panel.IsOnline

	client, err := xui.GetPool().Get(panel)
	if err != nil {
		s.recordStatus(panel, wasOnline, false, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.PanelTimeoutSeconds)*time.Second)
	defer cancel()

	result := client.TestConnection(ctx)
	s.recordStatus(panel, wasOnline, result.APIAuth, result.ErrorMsg)
}

func (s *PanelHealthService) recordStatus(panel *models.Panel, wasOnline, online bool, errMsg string) {
	updates := map[string]interface{}{
		"is_online":  online,
		"last_error": errMsg,
	}
	if online {
		updates["last_seen_at"] = time.Now()
		updates["last_error"] = ""
	}
	database.DB.Model(panel).Updates(updates)

	if wasOnline != online {
		if online {
			log.Printf("PanelHealth: Panel %s is back online", panel.Name)
		} else {
			log.Printf("PanelHealth: Panel %s went offline: %s", panel.Name, errMsg)
		}
		// Cached panel listings carry the stale flag
		database.InvalidatePanelCache()
	}
}
