package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a workspace config with the given logging section and
// resets package state so Initialize starts clean.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, ".circadia")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	CloseAll()
	logsDir = ""
	config = loggingConfig{}
	return tempDir
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir := writeConfig(t, `
logging:
  debug_mode: true
  level: debug
  categories:
    boot: true
    cycle: true
    attention: true
    fleet: true
    reflex: true
    events: true
    store: true
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot, CategoryCycle, CategoryAttention, CategoryFleet,
		CategoryReflex, CategoryEvents, CategoryStore,
	}
	for _, cat := range categories {
		Get(cat).Info("test message for %s", cat)
	}
	CloseAll()

	date := time.Now().Format("2006-01-02")
	for _, cat := range categories {
		logPath := filepath.Join(tempDir, ".circadia", "logs", date+"_"+string(cat)+".log")
		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Errorf("Category %s: log file not created: %v", cat, err)
			continue
		}
		if !strings.Contains(string(data), "test message for "+string(cat)) {
			t.Errorf("Category %s: message not written", cat)
		}
	}
}

func TestDisabledCategoryIsNoOp(t *testing.T) {
	tempDir := writeConfig(t, `
logging:
  debug_mode: true
  level: debug
  categories:
    cycle: false
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if IsCategoryEnabled(CategoryCycle) {
		t.Error("Expected cycle category to be disabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryFleet) {
		t.Error("Expected unlisted category to be enabled")
	}

	Cycle("should not appear")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(tempDir, ".circadia", "logs", date+"_cycle.log")); err == nil {
		t.Error("Disabled category must not create a log file")
	}
}

func TestProductionModeIsSilent(t *testing.T) {
	tempDir := writeConfig(t, `
logging:
  debug_mode: false
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled")
	}

	Fleet("message in production mode")
	CloseAll()

	if _, err := os.Stat(filepath.Join(tempDir, ".circadia", "logs")); err == nil {
		t.Error("Production mode must not create a logs directory")
	}
}

func TestLogLevelFiltersDebug(t *testing.T) {
	tempDir := writeConfig(t, `
logging:
  debug_mode: true
  level: warn
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	CycleDebug("filtered debug line")
	Cycle("filtered info line")
	CycleWarn("kept warn line")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(tempDir, ".circadia", "logs", date+"_cycle.log"))
	if err != nil {
		t.Fatalf("Log file not created: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "filtered debug line") || strings.Contains(out, "filtered info line") {
		t.Error("Lines below the configured level must be filtered")
	}
	if !strings.Contains(out, "kept warn line") {
		t.Error("Warn line missing")
	}
}

func TestTimerLogsThresholdBreach(t *testing.T) {
	tempDir := writeConfig(t, `
logging:
  debug_mode: true
  level: debug
`)

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	timer := StartTimer(CategoryReflex, "slow operation")
	time.Sleep(2 * time.Millisecond)
	if elapsed := timer.StopWithThreshold(time.Millisecond); elapsed < time.Millisecond {
		t.Fatalf("Elapsed = %v, want >= 1ms", elapsed)
	}
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(tempDir, ".circadia", "logs", date+"_reflex.log"))
	if err != nil {
		t.Fatalf("Log file not created: %v", err)
	}
	if !strings.Contains(string(data), "slow operation took") {
		t.Error("Threshold breach not logged")
	}
}
