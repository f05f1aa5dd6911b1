package codec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/registry"
)

// CommandFactory returns a new zero command to decode into.
type CommandFactory func() aggregate.Command

type jsonCommand struct {
	CommandType aggregate.CommandType `json:"command_type"`
	Command     json.RawMessage       `json:"command"`
	Context     map[string]string     `json:"context,omitempty"`
}

// CommandJSON is the JSON command codec. Commands are decoded into the
// value returned by the factory registered for their type.
type CommandJSON struct {
	context  *appcore.ContextCodec
	commands *registry.Registry[CommandFactory]
}

// NewCommandJSON creates a JSON command codec.
func NewCommandJSON(codec *appcore.ContextCodec, commands *registry.Registry[CommandFactory]) *CommandJSON {
	return &CommandJSON{context: codec, commands: commands}
}

// MarshalCommand encodes cmd and the request values of ctx.
func (c *CommandJSON) MarshalCommand(ctx context.Context, cmd aggregate.Command) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("could not marshal command: %w", err)
	}
	b, err := json.Marshal(jsonCommand{
		CommandType: cmd.CommandType(),
		Command:     raw,
		Context:     c.context.Marshal(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal command: %w", err)
	}
	return b, nil
}

// UnmarshalCommand decodes a command and returns ctx extended with its values.
func (c *CommandJSON) UnmarshalCommand(ctx context.Context, b []byte) (aggregate.Command, context.Context, error) {
	var jc jsonCommand
	if err := json.Unmarshal(b, &jc); err != nil {
		return nil, ctx, fmt.Errorf("could not unmarshal command: %w", err)
	}

	factory, err := c.commands.Lookup(string(jc.CommandType))
	if err != nil {
		return nil, ctx, fmt.Errorf("could not unmarshal command: %w", err)
	}
	cmd := factory()
	if len(jc.Command) > 0 {
		if err = json.Unmarshal(jc.Command, cmd); err != nil {
			return nil, ctx, fmt.Errorf("could not unmarshal command %s: %w", jc.CommandType, err)
		}
	}
	return cmd, c.context.Unmarshal(ctx, jc.Context), nil
}
