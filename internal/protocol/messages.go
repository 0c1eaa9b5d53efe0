package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Capabilities    HelloCapabilities `json:"capabilities"`
	Auth            *HelloAuth        `json:"auth,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Principal       string         `json:"principal"`
	WorldParams     WorldParams    `json:"world_params"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type WorldParams struct {
	TickRateHz     int     `json:"tick_rate_hz"`
	RegionSize     float64 `json:"region_size"`
	InterestRadius int     `json:"interest_radius"`
	WorldID        string  `json:"world_id"`
}

type CatalogDigests struct {
	KindSchemas DigestRef `json:"kind_schemas"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// CATALOG (server -> client): attribute schema payload for one entity kind.
type CatalogMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Name            string      `json:"name"`
	Digest          string      `json:"digest"` // sha256 hex
	Data            interface{} `json:"data"`
}

// COMMAND (client -> server): one intent, tagged by kind over a closed set.
type CommandMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Kind            string `json:"kind"`
	IssuedUnixMs    int64  `json:"issued_unix_ms,omitempty"`

	// move / spawn
	EntityID  string     `json:"entity_id,omitempty"`
	Transform *Transform `json:"transform,omitempty"`

	// spawn
	EntityKind string                 `json:"entity_kind,omitempty"`
	Attrs      map[string]interface{} `json:"attrs,omitempty"`

	// interact
	TargetID string `json:"target_id,omitempty"`
	Verb     string `json:"verb,omitempty"`

	// transfer
	TxID    string `json:"tx_id,omitempty"`
	To      string `json:"to,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
	AssetID string `json:"asset_id,omitempty"`

	// heartbeat / tick ack
	AckTick uint64 `json:"ack_tick,omitempty"`
}

const (
	CmdMove      = "MOVE"
	CmdInteract  = "INTERACT"
	CmdTransfer  = "TRANSFER"
	CmdSpawn     = "SPAWN"
	CmdDespawn   = "DESPAWN"
	CmdJoin      = "JOIN"
	CmdLeave     = "LEAVE"
	CmdHeartbeat = "HEARTBEAT"
)

type Transform struct {
	Pos [3]float64 `json:"pos"`
	Rot [3]float64 `json:"rot,omitempty"`
	Vel [3]float64 `json:"vel,omitempty"`
}

// ACK (server -> client): outcome of one submitted command.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}

// DELTA (server -> client): one replication tick for this session.
type DeltaMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	Entered         []EntityState `json:"entered,omitempty"`
	Changed         []EntityState `json:"changed,omitempty"`
	Left            []string      `json:"left,omitempty"`
	Removed         []string      `json:"removed,omitempty"`
	Ledger          []LedgerEvent `json:"ledger,omitempty"`
}

// SNAPSHOT (server -> client): full-state resynchronization.
type SnapshotMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	Entities        []EntityState `json:"entities"`
	Account         *AccountState `json:"account,omitempty"`
}

// TICK_ACK (client -> server): highest delta tick the client has applied.
type TickAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
}

type EntityState struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Transform Transform              `json:"transform"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
	Owner     string                 `json:"owner,omitempty"`
	Region    [2]int                 `json:"region"`
}

type LedgerEvent struct {
	TxID    string `json:"tx_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  int64  `json:"amount,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Tick    uint64 `json:"tick"`
}

type AccountState struct {
	Principal string   `json:"principal"`
	Balance   int64    `json:"balance"`
	Assets    []string `json:"assets,omitempty"`
}

// ERROR (server -> client): protocol-level failure outside any command.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
