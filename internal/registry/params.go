package registry

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"singleid/go-backend/internal/protocol"
)

// SchemaParams is the operator-signed schema registration request.
type SchemaParams struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Schema      string         `json:"schema" yaml:"schema"`
	Emitter     common.Address `json:"emitter" yaml:"emitter"`
}

func (SchemaParams) PrimaryType() string {
	return "SchemaRegistryParams"
}

func (SchemaParams) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "description", Type: "string"},
		{Name: "schema", Type: "string"},
		{Name: "emitter", Type: "address"},
	}
}

func (p SchemaParams) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"name":        p.Name,
		"description": p.Description,
		"schema":      p.Schema,
		"emitter":     p.Emitter.Hex(),
	}
}

// ID is the schema id these params register under.
func (p SchemaParams) ID() common.Hash {
	return protocol.SchemaID(p.Name, p.Description, p.Schema, p.Emitter)
}
