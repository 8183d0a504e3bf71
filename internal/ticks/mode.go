package ticks

// Mode selects the richness of the packets the upstream emits for a
// subscription. The wire values are the strings used in mode commands.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeFull:
		return true
	}
	return false
}
