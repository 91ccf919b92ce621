package natshandler

import (
	"encoding/json"
	"errors"
	"fmt"

	"sandboxengine/model"
)

var ErrUnknownCommand = errors.New("unknown command type")

// Handlers receive decoded session commands.
type Handlers struct {
	OnExecute func(sessionID, code string)
	OnInput   func(sessionID, input string)
}

// Decode parses a command payload.
func Decode(data []byte) (model.Command, error) {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("failed to parse command: %w", err)
	}
	return cmd, nil
}

// Dispatch decodes a command message for sessionID and routes it by type.
func Dispatch(sessionID string, data []byte, h Handlers) error {
	cmd, err := Decode(data)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case model.CommandExecute:
		if h.OnExecute != nil {
			h.OnExecute(sessionID, cmd.Data)
		}
	case model.CommandInput:
		if h.OnInput != nil {
			h.OnInput(sessionID, cmd.Data)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return nil
}

// Encode builds a command payload, for publishers and tests.
func Encode(cmdType, data string) ([]byte, error) {
	return json.Marshal(model.Command{Type: cmdType, Data: data})
}
