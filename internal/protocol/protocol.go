package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "meridian/1"

const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeCatalog  = "CATALOG"
	TypeCommand  = "COMMAND"
	TypeAck      = "ACK"
	TypeDelta    = "DELTA"
	TypeSnapshot = "SNAPSHOT"
	TypeTickAck  = "TICK_ACK"
	TypeError    = "ERROR"
)

type BaseMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

func DecodeBase(raw []byte) (BaseMsg, error) {
	var b BaseMsg
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("decode base: %w", err)
	}
	if b.Type == "" {
		return b, fmt.Errorf("missing type")
	}
	return b, nil
}
