package solana

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// InstructionData is the portable wire form of one instruction, as emitted
// by the destination catalog: program id and accounts in base58, data in
// base64.
type InstructionData struct {
	ProgramID string               `json:"programId"`
	Accounts  []InstructionAccount `json:"accounts"`
	Data      string               `json:"data"`
}

type InstructionAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// typedInstruction implements solana.Instruction.
type typedInstruction struct {
	programID solana.PublicKey
	accounts  []*solana.AccountMeta
	data      []byte
}

func (i typedInstruction) ProgramID() solana.PublicKey {
	return i.programID
}

func (i typedInstruction) Accounts() []*solana.AccountMeta {
	return i.accounts
}

func (i typedInstruction) Data() ([]byte, error) {
	return i.data, nil
}

// Typed converts the wire form into an executable instruction.
func (i InstructionData) Typed() (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(i.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse program id: %w", err)
	}

	accounts := make([]*solana.AccountMeta, 0, len(i.Accounts))
	for _, acc := range i.Accounts {
		pk, er := solana.PublicKeyFromBase58(acc.Pubkey)
		if er != nil {
			return nil, fmt.Errorf("failed to parse account %q: %w", acc.Pubkey, er)
		}
		accounts = append(accounts, solana.NewAccountMeta(pk, acc.IsWritable, acc.IsSigner))
	}

	data, err := base64.StdEncoding.DecodeString(i.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instruction data: %w", err)
	}

	return typedInstruction{
		programID: program,
		accounts:  accounts,
		data:      data,
	}, nil
}

// NewInstructionData builds the wire form from typed parts.
func NewInstructionData(program solana.PublicKey, accounts []*solana.AccountMeta, data []byte) InstructionData {
	wire := InstructionData{
		ProgramID: program.String(),
		Accounts:  make([]InstructionAccount, 0, len(accounts)),
		Data:      base64.StdEncoding.EncodeToString(data),
	}
	for _, meta := range accounts {
		wire.Accounts = append(wire.Accounts, InstructionAccount{
			Pubkey:     meta.PublicKey.String(),
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		})
	}
	return wire
}

// EncodeInstruction serializes an instruction wire form for embedding in a
// destination call.
func EncodeInstruction(data InstructionData) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instruction: %w", err)
	}
	return raw, nil
}

// DecodeInstruction parses a destination call's payload back into its wire
// form.
func DecodeInstruction(raw []byte) (InstructionData, error) {
	var data InstructionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return InstructionData{}, fmt.Errorf("failed to unmarshal instruction: %w", err)
	}
	return data, nil
}
