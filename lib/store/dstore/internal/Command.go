package internal

import (
	"fmt"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/hashicorp/go-msgpack/codec"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTHSet                 CommandType = iota // Set fields of a hash.
	CommandTHSetNX                                  // Set a hash field if it does not exist.
	CommandTHDel                                    // Delete fields of a hash.
	CommandTHIncrBy                                 // Increment an integer field.
	CommandTHIncrByFloat                            // Increment a float field.
	CommandTXAdd                                    // Append a stream entry.
	CommandTXDel                                    // Delete stream entries.
	CommandTXTrim                                   // Trim a stream.
	CommandTXReadGroup                              // Deliver entries to a consumer (changes the PEL).
	CommandTXAck                                    // Acknowledge pending entries.
	CommandTXClaim                                  // Transfer pending entries.
	CommandTXGroupCreate                            // Create a consumer group.
	CommandTXGroupDestroy                           // Destroy a consumer group.
	CommandTXGroupSetID                             // Move the last delivered id of a group.
	CommandTXGroupCreateConsumer                    // Create a consumer.
	CommandTXGroupDelConsumer                       // Delete a consumer.
	CommandTDelete                                  // Delete keys.
	CommandTExpire                                  // Set the time to live of a key.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTHSet:
		return "HSet"
	case CommandTHSetNX:
		return "HSetNX"
	case CommandTHDel:
		return "HDel"
	case CommandTHIncrBy:
		return "HIncrBy"
	case CommandTHIncrByFloat:
		return "HIncrByFloat"
	case CommandTXAdd:
		return "XAdd"
	case CommandTXDel:
		return "XDel"
	case CommandTXTrim:
		return "XTrim"
	case CommandTXReadGroup:
		return "XReadGroup"
	case CommandTXAck:
		return "XAck"
	case CommandTXClaim:
		return "XClaim"
	case CommandTXGroupCreate:
		return "XGroupCreate"
	case CommandTXGroupDestroy:
		return "XGroupDestroy"
	case CommandTXGroupSetID:
		return "XGroupSetID"
	case CommandTXGroupCreateConsumer:
		return "XGroupCreateConsumer"
	case CommandTXGroupDelConsumer:
		return "XGroupDelConsumer"
	case CommandTDelete:
		return "Delete"
	case CommandTExpire:
		return "Expire"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// ToDBFeature converts a CommandType to the corresponding db.Feature.
// This can be used for checking if the database supports a certain operation.
func (ct CommandType) ToDBFeature() (db.Feature, error) {
	switch {
	case ct <= CommandTHIncrByFloat:
		return db.FeatureHash, nil
	case ct <= CommandTXGroupDelConsumer:
		return db.FeatureStream, nil
	case ct == CommandTDelete:
		return db.FeatureDelete, nil
	case ct == CommandTExpire:
		return db.FeatureExpire, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", ct)
	}
}

// Command represents a command to be executed by the state machine (a single entry in the raft log).
// Only the fields used by the command type are set.
type Command struct {
	Type CommandType
	// Now is the command time (unix ms) stamped by the proposing node.
	// Every replica applies the command with this time.
	Now uint64

	Key      string
	Keys     []string
	Fields   []string
	Pairs    []db.FieldValue
	Value    []byte
	Int      int64
	Float    float64
	Flag     bool // NOMKSTREAM, MKSTREAM or NOACK
	Count    int
	Group    string
	Consumer string
	Target   string   // start id of XGROUP CREATE and SETID
	Offsets  []string // XREADGROUP offsets, one per key
	IDs      []stream.ID
	AddID    stream.AddID
	Trim     stream.TrimOptions
	Claim    stream.ClaimOptions
}

var mh = &codec.MsgpackHandle{WriteExt: true}

// Serialize encodes the command as msgpack
func (command *Command) Serialize() ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, mh).Encode(command); err != nil {
		return nil, fmt.Errorf("encode %s command: %w", command.Type, err)
	}
	return out, nil
}

// Deserialize decodes a command written by Serialize
func (command *Command) Deserialize(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty command")
	}
	*command = Command{}
	if err := codec.NewDecoderBytes(data, mh).Decode(command); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// Result is the outcome of a successful command, carried in the Data of the
// raft result. Which fields are set depends on the command type.
type Result struct {
	Int     int64
	Float   float64
	Bool    bool
	ID      stream.ID
	Entries []stream.Entry
	Streams []store.StreamEntries
}

// Serialize encodes the result as msgpack
func (r *Result) Serialize() ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, mh).Encode(r); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// Deserialize decodes a result written by Serialize
func (r *Result) Deserialize(data []byte) error {
	*r = Result{}
	if len(data) == 0 {
		return nil
	}
	if err := codec.NewDecoderBytes(data, mh).Decode(r); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
