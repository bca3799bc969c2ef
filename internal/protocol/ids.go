package protocol

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	typeBytes32 = mustType("bytes32")
	typeAddress = mustType("address")
	typeUint256 = mustType("uint256")
	typeUint64  = mustType("uint64")
	typeUint8   = mustType("uint8")
	typeString  = mustType("string")
	typeBytes   = mustType("bytes")

	sidIDArgs     = abi.Arguments{{Type: typeBytes32}, {Type: typeAddress}}
	emitterIDArgs = abi.Arguments{{Type: typeBytes32}, {Type: typeUint256}}
	schemaIDArgs  = abi.Arguments{{Type: typeString}, {Type: typeString}, {Type: typeString}, {Type: typeAddress}}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// SIDID is keccak256(abi.encode(schemaId, owner)).
func SIDID(schemaID common.Hash, owner common.Address) common.Hash {
	packed, err := sidIDArgs.Pack(schemaID, owner)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

// EmitterID keys the per-destination emitter balance: keccak256(abi.encode(schemaId, chainId)).
func EmitterID(schemaID common.Hash, registryChainID uint64) common.Hash {
	packed, err := emitterIDArgs.Pack(schemaID, new(big.Int).SetUint64(registryChainID))
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

// SchemaID derives the schema id from its content and emitter.
func SchemaID(name, description, schema string, emitter common.Address) common.Hash {
	packed, err := schemaIDArgs.Pack(name, description, schema, emitter)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}
