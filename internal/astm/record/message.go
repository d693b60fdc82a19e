package record

// MessageType classifies a parsed message for routing and audit.
type MessageType string

const (
	// MessageTypeKeepAlive is a liveness probe: exactly one H and one L
	// record and nothing else.
	MessageTypeKeepAlive MessageType = "KEEP_ALIVE"

	// MessageTypeResult carries at least one R record.
	MessageTypeResult MessageType = "RESULT"

	// MessageTypeQuery carries at least one Q record (and no R).
	MessageTypeQuery MessageType = "QUERY"

	// MessageTypeOrder carries at least one O record (and no R or Q).
	MessageTypeOrder MessageType = "ORDER"

	// MessageTypeMessage is anything else that still parsed.
	MessageTypeMessage MessageType = "MESSAGE"
)

// Message is the aggregate of one ASTM transmission payload.
//
// Orders, Results and Queries keep their serialized order. MResult records
// attach to the most recently preceding Result; M records seen before any
// Result land in the message-level MResults list.
type Message struct {
	Header     *Header     `json:"header,omitempty"`
	Patient    *Patient    `json:"patient,omitempty"`
	Orders     []*Order    `json:"orderRecords"`
	Results    []*Result   `json:"resultRecords"`
	Queries    []*Query    `json:"queryRecords"`
	MResults   []*MResult  `json:"mresultRecords,omitempty"`
	Terminator *Terminator `json:"terminator,omitempty"`

	// InstrumentName is the logical instrument the message belongs to.
	// Set by the controller, not by the codec.
	InstrumentName string `json:"instrumentName,omitempty"`

	// Type is the classification computed at parse time.
	Type MessageType `json:"messageType,omitempty"`

	// RawBytes is the originally received framing-stripped payload
	// (records joined by CR), retained for audit. Never serialized to
	// the broker.
	RawBytes []byte `json:"-"`

	// Warnings collects non-fatal parse observations: ignored vendor
	// records, sequence numbers that skip or restart mid-message.
	Warnings []string `json:"-"`
}

// Classify computes the message type per the routing rules: KEEP_ALIVE when
// the message is exactly one H and one L, else RESULT, QUERY, ORDER by
// record presence, else MESSAGE.
func (m *Message) Classify() MessageType {
	dataFree := m.Patient == nil && len(m.Orders) == 0 && len(m.Results) == 0 &&
		len(m.Queries) == 0 && len(m.MResults) == 0 && mresultCount(m.Results) == 0
	if m.Header != nil && m.Terminator != nil && dataFree {
		return MessageTypeKeepAlive
	}
	switch {
	case len(m.Results) > 0:
		return MessageTypeResult
	case len(m.Queries) > 0:
		return MessageTypeQuery
	case len(m.Orders) > 0:
		return MessageTypeOrder
	default:
		return MessageTypeMessage
	}
}

// IsKeepAlive reports whether the message classified as a keep-alive.
func (m *Message) IsKeepAlive() bool {
	return m.Type == MessageTypeKeepAlive
}

// RecordCount returns the total number of records in the message, M records
// included.
func (m *Message) RecordCount() int {
	n := len(m.Orders) + len(m.Results) + len(m.Queries) + len(m.MResults) + mresultCount(m.Results)
	if m.Header != nil {
		n++
	}
	if m.Patient != nil {
		n++
	}
	if m.Terminator != nil {
		n++
	}
	return n
}

func mresultCount(results []*Result) int {
	n := 0
	for _, r := range results {
		n += len(r.MResults)
	}
	return n
}
