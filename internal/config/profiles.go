package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

// SlotsConfig represents the slot schedule configuration structure
type SlotsConfig struct {
	Profiles map[string]SlotProfile `yaml:"profiles"`
	Active   string                 `yaml:"active_profile"`
}

// SlotProfile represents one daily execution cadence
type SlotProfile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Timezone    string            `yaml:"timezone"`
	Slots       []SlotWindow      `yaml:"slots"`
	Execution   ExecutionSettings `yaml:"execution"`
}

// SlotWindow binds a slot number to a wall-clock time and a task type
type SlotWindow struct {
	Number   int               `yaml:"number"`
	Time     string            `yaml:"time"` // HH:MM wall clock
	TaskType string            `yaml:"task_type"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// ExecutionSettings represents per-attempt execution limits for a profile
type ExecutionSettings struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxAttempts    int `yaml:"max_attempts"`
	Workers        int `yaml:"workers"`
	QueueCapacity  int `yaml:"queue_capacity"`
}

// Timeout returns the per-attempt timeout as a duration
func (es ExecutionSettings) Timeout() time.Duration {
	return time.Duration(es.TimeoutSeconds) * time.Second
}

// LoadSlotsConfig loads the slot schedule configuration from file
func LoadSlotsConfig(configPath string) (*SlotsConfig, error) {
	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read slots config: %w", err)
	}

	var config SlotsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse slots YAML: %w", err)
	}

	for name, profile := range config.Profiles {
		profile.applyDefaults()
		config.Profiles[name] = profile
	}

	return &config, nil
}

// SaveSlotsConfig saves the slot schedule configuration to file
func SaveSlotsConfig(config *SlotsConfig, configPath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal slots config: %w", err)
	}

	if err := ioutil.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write slots config: %w", err)
	}

	return nil
}

// GetActiveProfile returns the currently active slot profile
func (sc *SlotsConfig) GetActiveProfile() (*SlotProfile, error) {
	if sc.Active == "" {
		return nil, fmt.Errorf("no active profile set")
	}

	profile, exists := sc.Profiles[sc.Active]
	if !exists {
		return nil, fmt.Errorf("active profile '%s' not found", sc.Active)
	}

	return &profile, nil
}

// SortedSlots returns the profile's slot windows ordered by slot number
func (sp *SlotProfile) SortedSlots() []SlotWindow {
	slots := make([]SlotWindow, len(sp.Slots))
	copy(slots, sp.Slots)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Number < slots[j].Number })
	return slots
}

// applyDefaults fills omitted fields with safe operational values
func (sp *SlotProfile) applyDefaults() {
	if sp.Timezone == "" {
		sp.Timezone = "UTC"
	}
	if sp.Execution.TimeoutSeconds == 0 {
		sp.Execution.TimeoutSeconds = 300
	}
	if sp.Execution.MaxAttempts == 0 {
		sp.Execution.MaxAttempts = 3
	}
	if sp.Execution.Workers == 0 {
		sp.Execution.Workers = 2
	}
	if sp.Execution.QueueCapacity == 0 {
		sp.Execution.QueueCapacity = 16
	}
}

// ValidateProfile validates a slot profile for safety and consistency
func (sp *SlotProfile) ValidateProfile() []string {
	var errors []string

	if _, err := time.LoadLocation(sp.Timezone); err != nil {
		errors = append(errors, fmt.Sprintf("Unknown timezone: %s", sp.Timezone))
	}

	if len(sp.Slots) != 4 {
		errors = append(errors, fmt.Sprintf("Expected 4 slot windows, got %d", len(sp.Slots)))
	}

	slots := sp.SortedSlots()
	seen := make(map[int]bool, len(slots))
	lastClock := time.Time{}
	for i, window := range slots {
		if seen[window.Number] {
			errors = append(errors, fmt.Sprintf("Slot number %d configured more than once", window.Number))
			continue
		}
		seen[window.Number] = true

		if window.Number != i+1 {
			errors = append(errors, fmt.Sprintf("Slot numbers must run 1..%d without gaps, found %d", len(slots), window.Number))
		}

		clock, err := time.Parse("15:04", window.Time)
		if err != nil {
			errors = append(errors, fmt.Sprintf("Slot %d: time %q is not HH:MM", window.Number, window.Time))
		} else {
			if !lastClock.IsZero() && !clock.After(lastClock) {
				errors = append(errors, fmt.Sprintf("Slot %d: time %s does not advance past the previous slot", window.Number, window.Time))
			}
			lastClock = clock
		}

		if window.TaskType == "" {
			errors = append(errors, fmt.Sprintf("Slot %d: task type is required", window.Number))
		}
	}

	if sp.Execution.TimeoutSeconds < 30 || sp.Execution.TimeoutSeconds > 3600 {
		errors = append(errors, fmt.Sprintf("Execution timeout %ds outside [30s, 3600s] range", sp.Execution.TimeoutSeconds))
	}

	if sp.Execution.MaxAttempts < 1 || sp.Execution.MaxAttempts > 5 {
		errors = append(errors, fmt.Sprintf("Max attempts %d outside [1, 5] range", sp.Execution.MaxAttempts))
	}

	if sp.Execution.Workers < 1 || sp.Execution.Workers > 16 {
		errors = append(errors, fmt.Sprintf("Worker count %d outside [1, 16] range", sp.Execution.Workers))
	}

	return errors
}

// GetDefaultSlotsConfig returns the standard four-slot operations cadence
func GetDefaultSlotsConfig() *SlotsConfig {
	return &SlotsConfig{
		Active: "standard",
		Profiles: map[string]SlotProfile{
			"standard": {
				Name:        "Standard",
				Description: "Four slot cadence covering night audit through evening review",
				Timezone:    "UTC",
				Slots: []SlotWindow{
					{Number: 1, Time: "00:00", TaskType: "demand-analysis"},
					{Number: 2, Time: "06:00", TaskType: "rate-sync"},
					{Number: 3, Time: "12:00", TaskType: "anomaly-scan"},
					{Number: 4, Time: "18:00", TaskType: "ghost-booking-sweep"},
				},
				Execution: ExecutionSettings{
					TimeoutSeconds: 300,
					MaxAttempts:    3,
					Workers:        2,
					QueueCapacity:  16,
				},
			},
			"high-season": {
				Name:        "High Season",
				Description: "Peak occupancy cadence with earlier rate pushes and a wider retry budget",
				Timezone:    "UTC",
				Slots: []SlotWindow{
					{Number: 1, Time: "00:00", TaskType: "demand-analysis", Params: map[string]string{"lookahead_days": "30"}},
					{Number: 2, Time: "05:00", TaskType: "rate-sync", Params: map[string]string{"scope": "full"}},
					{Number: 3, Time: "11:00", TaskType: "anomaly-scan"},
					{Number: 4, Time: "17:00", TaskType: "ghost-booking-sweep"},
				},
				Execution: ExecutionSettings{
					TimeoutSeconds: 240,
					MaxAttempts:    4,
					Workers:        4,
					QueueCapacity:  32,
				},
			},
		},
	}
}

// GetSlotsConfigPath returns the default path for the slots configuration
func GetSlotsConfigPath() string {
	return filepath.Join("config", "slots.yaml")
}
