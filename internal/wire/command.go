package wire

// Command identifiers understood by the durable queue and transports.
const (
	CommandAppendVersion     = "appendVersion"
	CommandAppendQueueTime   = "appendQueueTime"
	CommandAppendCacheBuster = "appendCacheBuster"
)

// ClientVersion is baked into every stored hit by the appendVersion command.
const ClientVersion = "ma1b5"

// Command is a transport-level directive applied at storage or send time.
// Commands are immutable and shared across hits.
type Command struct {
	ID    string `cbor:"1,keyasint"`
	Param string `cbor:"2,keyasint"`
	Value string `cbor:"3,keyasint,omitempty"`
}

// DefaultCommands returns the command list attached to every hit.
func DefaultCommands() []Command {
	return []Command{
		{ID: CommandAppendVersion, Param: "_v", Value: ClientVersion},
		{ID: CommandAppendQueueTime, Param: "qt"},
		{ID: CommandAppendCacheBuster, Param: "z"},
	}
}

// ApplyVersion writes the first appendVersion command into params.
// Reports whether a command was applied.
func ApplyVersion(params map[string]string, commands []Command) bool {
	for _, c := range commands {
		if c.ID != CommandAppendVersion {
			continue
		}
		if c.Param != "" {
			params[c.Param] = c.Value
		}
		return true
	}
	return false
}
