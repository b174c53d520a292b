package relay

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Browser message types
const (
	TypeSetWallet = "set_wallet"
	TypeSubmit    = "submit"
	TypeGetJob    = "get_job"
	TypeKeepalive = "keepalive"

	TypeWalletAck    = "wallet_ack"
	TypeSubmitAck    = "submit_ack"
	TypeKeepaliveAck = "keepalive_ack"
	TypeWalletSwitch = "wallet_switch"
)

// Command is an inbound browser frame
type Command struct {
	Type   string `json:"type"`
	Wallet string `json:"wallet,omitempty"`
	Nonce  string `json:"nonce,omitempty"`
	Result string `json:"result,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// ParseCommand decodes a browser frame
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := codec.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to parse browser message: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("browser message has no type")
	}
	return &cmd, nil
}

// WalletAck answers set_wallet
type WalletAck struct {
	Type          string `json:"type"`
	HasUserWallet bool   `json:"has_user_wallet"`
	Message       string `json:"message"`
}

// SubmitAck answers submit
type SubmitAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

// KeepaliveAck answers keepalive
type KeepaliveAck struct {
	Type string `json:"type"`
}

// WalletSwitch announces a change of credited wallet
type WalletSwitch struct {
	Type       string `json:"type"`
	WalletType string `json:"wallet_type"`
	Message    string `json:"message"`
}

func encodeMessage(v any) []byte {
	data, err := codec.Marshal(v)
	if err != nil {
		// Only fixed structs are encoded here.
		panic(fmt.Sprintf("relay: encode %T: %v", v, err))
	}
	return data
}
