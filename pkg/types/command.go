package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// type of FSM command
type CommandType uint

const (
	CommandTypeCreateRecord CommandType = iota + 1
	CommandTypeReplaceRecord
	CommandTypeCreateObject
	CommandTypeAcquireExclusive
	CommandTypeReleaseExclusive
)

// interface all FSM commands implement
// commands carry every non-deterministic input (versions, tokens, timestamps)
// so that all replicas apply them identically
type Command interface {
	Type() CommandType
}

// creates a lease record if none exists
type CreateRecordCmd struct {
	Name        string    `json:"name"`
	LeasedUntil time.Time `json:"leased_until"`
	Version     string    `json:"version"`
}

func (c CreateRecordCmd) Type() CommandType { return CommandTypeCreateRecord }

// replaces a lease record if its version still matches
type ReplaceRecordCmd struct {
	Name            string    `json:"name"`
	LeasedUntil     time.Time `json:"leased_until"`
	ExpectedVersion string    `json:"expected_version"`
	Version         string    `json:"version"`
}

func (c ReplaceRecordCmd) Type() CommandType { return CommandTypeReplaceRecord }

// creates the object an exclusive lease is taken on (plain write)
type CreateObjectCmd struct {
	Name string `json:"name"`
}

func (c CreateObjectCmd) Type() CommandType { return CommandTypeCreateObject }

// grants an exclusive lease on an object unless a live one exists
type AcquireExclusiveCmd struct {
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	Now       time.Time `json:"now"` //proposer time, expiry is judged against it
	ExpiresAt time.Time `json:"expires_at"`
}

func (c AcquireExclusiveCmd) Type() CommandType { return CommandTypeAcquireExclusive }

// releases an exclusive lease held under token
type ReleaseExclusiveCmd struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

func (c ReleaseExclusiveCmd) Type() CommandType { return CommandTypeReleaseExclusive }

// wire form of a command in the raft log
type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// serializes a command for the raft log
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandEnvelope{Type: cmd.Type(), Payload: payload})
}

// deserializes a command from the raft log
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case CommandTypeCreateRecord:
		var c CreateRecordCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	case CommandTypeReplaceRecord:
		var c ReplaceRecordCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	case CommandTypeCreateObject:
		var c CreateObjectCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	case CommandTypeAcquireExclusive:
		var c AcquireExclusiveCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	case CommandTypeReleaseExclusive:
		var c ReleaseExclusiveCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type: %d", env.Type)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
