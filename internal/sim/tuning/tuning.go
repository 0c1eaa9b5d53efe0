package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int     `yaml:"tick_rate_hz"`
	RegionSize float64 `yaml:"region_size"`

	InterestRadius     int `yaml:"interest_radius"`
	InterestEveryTicks int `yaml:"interest_every_ticks"`

	ReorderWindow       uint64 `yaml:"reorder_window"`
	ReorderTimeoutTicks uint64 `yaml:"reorder_timeout_ticks"`

	HeartbeatTimeoutTicks uint64 `yaml:"heartbeat_timeout_ticks"`

	ResyncThresholdTicks uint64 `yaml:"resync_threshold_ticks"`
	JournalTicks         uint64 `yaml:"journal_ticks"`

	CheckpointEveryTicks uint64 `yaml:"checkpoint_every_ticks"`

	MaxSpeedPerTick float64 `yaml:"max_speed_per_tick"`
	InteractRange   float64 `yaml:"interact_range"`

	MintedSupply int64 `yaml:"minted_supply"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.ApplyDefaults()
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.ApplyDefaults()
	return t
}

func (t *Tuning) ApplyDefaults() {
	if t.TickRateHz <= 0 {
		t.TickRateHz = 10
	}
	if t.RegionSize <= 0 {
		t.RegionSize = 64
	}
	if t.InterestRadius <= 0 {
		t.InterestRadius = 1
	}
	if t.InterestEveryTicks <= 0 {
		t.InterestEveryTicks = 1
	}
	if t.ReorderWindow == 0 {
		t.ReorderWindow = 32
	}
	if t.ReorderTimeoutTicks == 0 {
		t.ReorderTimeoutTicks = 20
	}
	if t.HeartbeatTimeoutTicks == 0 {
		t.HeartbeatTimeoutTicks = 100
	}
	if t.ResyncThresholdTicks == 0 {
		t.ResyncThresholdTicks = 10
	}
	if t.JournalTicks == 0 {
		t.JournalTicks = 256
	}
	if t.CheckpointEveryTicks == 0 {
		t.CheckpointEveryTicks = 3000
	}
	if t.MaxSpeedPerTick <= 0 {
		t.MaxSpeedPerTick = 8
	}
	if t.InteractRange <= 0 {
		t.InteractRange = 16
	}
	if t.MintedSupply <= 0 {
		t.MintedSupply = 1_000_000
	}
}
