package domain

import (
	"encoding/json"
	"fmt"
)

type CommandType string

const (
	CommandJoinList  CommandType = "join:wishlist"
	CommandLeaveList CommandType = "leave:wishlist"
	CommandJoinUser  CommandType = "join:user"
	CommandLeaveUser CommandType = "leave:user"
	CommandPing      CommandType = "ping"
)

// Command is a client-to-host instruction. The set of implementations is closed.
type Command interface {
	CommandType() CommandType
}

type JoinListCommand struct{ ListID string }
type LeaveListCommand struct{ ListID string }
type JoinUserCommand struct{ UserID string }
type LeaveUserCommand struct{ UserID string }
type PingCommand struct{}

func (JoinListCommand) CommandType() CommandType  { return CommandJoinList }
func (LeaveListCommand) CommandType() CommandType { return CommandLeaveList }
func (JoinUserCommand) CommandType() CommandType  { return CommandJoinUser }
func (LeaveUserCommand) CommandType() CommandType { return CommandLeaveUser }
func (PingCommand) CommandType() CommandType      { return CommandPing }

type wireCommand struct {
	Type       CommandType `json:"type"`
	WishlistID string      `json:"wishlistId,omitempty"`
	UserID     string      `json:"userId,omitempty"`
}

// DecodeCommand parses a raw client message.
//
// Non-JSON input or a missing type yields ErrMalformedCommand, an unrecognised
// type ErrUnknownCommand, and a join/leave without its id ErrMissingCommandID.
func DecodeCommand(raw []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedCommand)
	}

	switch w.Type {
	case CommandJoinList, CommandLeaveList:
		if w.WishlistID == "" {
			return nil, fmt.Errorf("%w: %s requires wishlistId", ErrMissingCommandID, w.Type)
		}
		if w.Type == CommandJoinList {
			return JoinListCommand{ListID: w.WishlistID}, nil
		}
		return LeaveListCommand{ListID: w.WishlistID}, nil
	case CommandJoinUser, CommandLeaveUser:
		if w.UserID == "" {
			return nil, fmt.Errorf("%w: %s requires userId", ErrMissingCommandID, w.Type)
		}
		if w.Type == CommandJoinUser {
			return JoinUserCommand{UserID: w.UserID}, nil
		}
		return LeaveUserCommand{UserID: w.UserID}, nil
	case CommandPing:
		return PingCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, w.Type)
	}
}

// EncodeCommand renders a command in its wire form.
func EncodeCommand(cmd Command) ([]byte, error) {
	w := wireCommand{Type: cmd.CommandType()}
	switch c := cmd.(type) {
	case JoinListCommand:
		w.WishlistID = c.ListID
	case LeaveListCommand:
		w.WishlistID = c.ListID
	case JoinUserCommand:
		w.UserID = c.UserID
	case LeaveUserCommand:
		w.UserID = c.UserID
	case PingCommand:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	return json.Marshal(w)
}
