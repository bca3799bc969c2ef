package protocol

import "errors"

// Every rejection of a call maps to one of these; callers match with errors.Is.
var (
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrSchemaConflict      = errors.New("schema conflict")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAlreadyRevoked      = errors.New("already revoked")
	ErrUnknownProtocol     = errors.New("unknown protocol")
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrLengthMismatch      = errors.New("length mismatch")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrMalformedPayload    = errors.New("malformed payload")
)
