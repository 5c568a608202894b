package protocol

// ProtocolType represents the protocol a connection speaks
type ProtocolType int

const (
	ProtocolPiece ProtocolType = iota
	ProtocolHTTP
	ProtocolUnknown
)

// String returns the protocol name used in logs and metric labels
func (p ProtocolType) String() string {
	switch p {
	case ProtocolPiece:
		return "piece"
	case ProtocolHTTP:
		return "http"
	default:
		return "unknown"
	}
}
