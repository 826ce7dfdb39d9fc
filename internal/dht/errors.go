package dht

import (
	"errors"

	"swarm-dht/internal/proto"
)

var (
	// ErrTimeout is the only failure shape an RPC exposes: the peer did
	// not answer within the retry budget or could not be reached at all.
	ErrTimeout = errors.New("dht: timeout")

	ErrUnauthorized     = errors.New("dht: unauthorized")
	ErrMalformedMessage = errors.New("dht: malformed message")
	ErrClosed           = errors.New("dht: closed")
	ErrUnknownCommand   = errors.New("dht: unknown command")
)

// errorFromCode maps a wire rejection back to the matching sentinel.
func errorFromCode(c proto.ErrorCode) error {
	switch c {
	case proto.CodeOK:
		return nil
	case proto.CodeUnauthorized:
		return ErrUnauthorized
	case proto.CodeBadSignature:
		return ErrBadSignature
	case proto.CodeStaleSequence:
		return ErrStaleSequence
	case proto.CodeTooLarge:
		return ErrValueTooLarge
	case proto.CodeUnknownCommand:
		return ErrUnknownCommand
	default:
		return ErrMalformedMessage
	}
}

func codeFromError(err error) proto.ErrorCode {
	switch {
	case err == nil:
		return proto.CodeOK
	case errors.Is(err, ErrUnauthorized):
		return proto.CodeUnauthorized
	case errors.Is(err, ErrBadSignature):
		return proto.CodeBadSignature
	case errors.Is(err, ErrStaleSequence):
		return proto.CodeStaleSequence
	case errors.Is(err, ErrValueTooLarge):
		return proto.CodeTooLarge
	default:
		return proto.CodeBadRequest
	}
}
