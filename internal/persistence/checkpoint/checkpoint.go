// Package checkpoint writes and reads full-state checkpoints: the entity
// table plus the ledger table, zstd-compressed gob with a JSON header line.
// On restart the engine loads the latest checkpoint and replays the
// committed-transaction log from its tick.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Attrs originate from JSON, so interface values can hold nested maps and
// arrays; gob needs those concrete types registered.
func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

type CheckpointV1 struct {
	Header Header `json:"header"`

	RegionSize   float64 `json:"region_size"`
	TickRateHz   int     `json:"tick_rate_hz"`
	MintedSupply int64   `json:"minted_supply"`

	Entities []EntityV1  `json:"entities"`
	Accounts []AccountV1 `json:"accounts"`
}

type EntityV1 struct {
	ID    string                 `json:"id"`
	Kind  string                 `json:"kind"`
	Pos   [3]float64             `json:"pos"`
	Rot   [3]float64             `json:"rot,omitempty"`
	Vel   [3]float64             `json:"vel,omitempty"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
	Owner string                 `json:"owner,omitempty"`
}

type AccountV1 struct {
	Principal string   `json:"principal"`
	Balance   int64    `json:"balance"`
	Assets    []string `json:"assets,omitempty"`
}

func Write(path string, snap CheckpointV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (CheckpointV1, error) {
	var snap CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is informational; the gob body repeats it.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// PathFor builds the canonical checkpoint path for a tick.
func PathFor(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint-%012d.bin.zst", tick))
}

// Latest returns the newest checkpoint file under dir, or "" when none exist.
func Latest(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, "checkpoint-") && strings.HasSuffix(n, ".bin.zst") {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1])
}
