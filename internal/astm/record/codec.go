package record

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// CR joins records inside a transmission payload.
const CR = 0x0D

// Parse decodes a framing-stripped transmission payload into a Message.
//
// Records are split on CR; a trailing LF after any CR is tolerated. Records
// whose type ID is not one of H, P, O, R, Q, M, L (either case) are ignored
// with a warning rather than rejected, to stay robust against vendor
// extensions. M records attach to the most recent R record, or to the
// message-level list when no R has been seen yet.
//
// The returned message has RawBytes set to the input and Type set by
// Classify. Parse fails only when the payload contains no recognizable
// records at all.
func Parse(raw []byte) (*Message, error) {
	msg := &Message{
		Orders:   []*Order{},
		Results:  []*Result{},
		Queries:  []*Query{},
		RawBytes: append([]byte(nil), raw...),
	}

	seqs := newSeqTracker(msg)
	recognized := 0

	for _, line := range splitRecords(raw) {
		if len(line) == 0 {
			continue
		}

		fields := strings.Split(string(line), string(FieldDelimiter))
		typeID := fields[0]
		if len(typeID) != 1 {
			msg.Warnings = append(msg.Warnings, fmt.Sprintf("ignored record with type id %q", typeID))
			continue
		}

		switch typeID[0] & 0xDF { // fold to upper case
		case TypeHeader:
			h := &Header{}
			assignFields(h.fields(), fields[1:])
			msg.Header = h
		case TypePatient:
			p := &Patient{}
			assignFields(p.fields(), fields[1:])
			seqs.check(TypePatient, p.SequenceNumber)
			msg.Patient = p
		case TypeOrder:
			o := &Order{}
			assignFields(o.fields(), fields[1:])
			seqs.check(TypeOrder, o.SequenceNumber)
			msg.Orders = append(msg.Orders, o)
		case TypeResult:
			r := &Result{}
			assignFields(r.fields(), fields[1:])
			seqs.check(TypeResult, r.SequenceNumber)
			msg.Results = append(msg.Results, r)
		case TypeQuery:
			q := &Query{}
			assignFields(q.fields(), fields[1:])
			seqs.check(TypeQuery, q.SequenceNumber)
			msg.Queries = append(msg.Queries, q)
		case TypeMResult:
			m := &MResult{}
			if len(fields) > 1 {
				m.SequenceNumber = fields[1]
			}
			if len(fields) > 2 {
				m.Fields = fields[2:]
			}
			if n := len(msg.Results); n > 0 {
				last := msg.Results[n-1]
				last.MResults = append(last.MResults, m)
			} else {
				msg.MResults = append(msg.MResults, m)
			}
		case TypeTerminator:
			l := &Terminator{}
			assignFields(l.fields(), fields[1:])
			msg.Terminator = l
		default:
			msg.Warnings = append(msg.Warnings, fmt.Sprintf("ignored record with type id %q", typeID))
			continue
		}
		recognized++
	}

	if recognized == 0 {
		return nil, fmt.Errorf("no recognizable ASTM records in %d bytes", len(raw))
	}

	msg.Type = msg.Classify()
	return msg, nil
}

// Build serializes a message to its wire payload: records joined by CR with
// a trailing CR, in canonical order H, P, orders, results (each followed by
// its M records), queries, message-level M records, L.
//
// Sequence numbers are assigned canonically: starting at 1 within each
// record class, and per result for attached M records. The message's own
// sequence-number fields are left untouched.
func Build(msg *Message) []byte {
	var buf bytes.Buffer

	if msg.Header != nil {
		writeRecord(&buf, TypeHeader, copyFields(msg.Header.fields()))
	}
	if msg.Patient != nil {
		fields := copyFields(msg.Patient.fields())
		fields[0] = "1"
		writeRecord(&buf, TypePatient, fields)
	}
	for i, o := range msg.Orders {
		fields := copyFields(o.fields())
		fields[0] = strconv.Itoa(i + 1)
		writeRecord(&buf, TypeOrder, fields)
	}
	for i, r := range msg.Results {
		fields := copyFields(r.fields())
		fields[0] = strconv.Itoa(i + 1)
		writeRecord(&buf, TypeResult, fields)
		for j, m := range r.MResults {
			writeMResult(&buf, j+1, m)
		}
	}
	for i, q := range msg.Queries {
		fields := copyFields(q.fields())
		fields[0] = strconv.Itoa(i + 1)
		writeRecord(&buf, TypeQuery, fields)
	}
	for i, m := range msg.MResults {
		writeMResult(&buf, i+1, m)
	}
	if msg.Terminator != nil {
		writeRecord(&buf, TypeTerminator, copyFields(msg.Terminator.fields()))
	}

	return buf.Bytes()
}

// Sniff performs the quick pre-parse classification used for audit rows
// before the full parse runs. It only looks at the first character of each
// record line.
func Sniff(raw []byte) MessageType {
	var hasH, hasL, hasData, hasR, hasQ, hasO bool
	for _, line := range splitRecords(raw) {
		if len(line) == 0 {
			continue
		}
		switch line[0] & 0xDF {
		case TypeHeader:
			hasH = true
		case TypeTerminator:
			hasL = true
		case TypeResult:
			hasR, hasData = true, true
		case TypeQuery:
			hasQ, hasData = true, true
		case TypeOrder:
			hasO, hasData = true, true
		case TypePatient, TypeMResult:
			hasData = true
		}
	}
	switch {
	case hasH && hasL && !hasData:
		return MessageTypeKeepAlive
	case hasR:
		return MessageTypeResult
	case hasQ:
		return MessageTypeQuery
	case hasO:
		return MessageTypeOrder
	default:
		return MessageTypeMessage
	}
}

// splitRecords splits a payload on CR, stripping a leading LF from each
// record (some analyzers send CR LF between records).
func splitRecords(raw []byte) [][]byte {
	lines := bytes.Split(raw, []byte{CR})
	for i, line := range lines {
		lines[i] = bytes.TrimPrefix(line, []byte{0x0A})
	}
	return lines
}

// assignFields copies positional field values into the record's field slots.
// Missing trailing fields stay empty; surplus fields beyond the canonical
// count are dropped.
func assignFields(slots []*string, values []string) {
	for i, slot := range slots {
		if i < len(values) {
			*slot = values[i]
		}
	}
}

func copyFields(slots []*string) []string {
	out := make([]string, len(slots))
	for i, slot := range slots {
		out[i] = *slot
	}
	return out
}

// writeRecord emits one record line: the type ID, the fields, trailing
// empty fields trimmed (but never below the keep-alive minimum of two
// delimiters for L records, which analyzers expect as "L||").
func writeRecord(buf *bytes.Buffer, typeID byte, fields []string) {
	last := len(fields)
	for last > 0 && fields[last-1] == "" {
		last--
	}
	if typeID == TypeTerminator && last < 2 {
		last = 2
	}
	if typeID == TypeHeader && last < 1 {
		last = 1
	}

	buf.WriteByte(typeID)
	for _, f := range fields[:last] {
		buf.WriteByte(FieldDelimiter)
		buf.WriteString(f)
	}
	buf.WriteByte(CR)
}

func writeMResult(buf *bytes.Buffer, seq int, m *MResult) {
	fields := append([]string{strconv.Itoa(seq)}, m.Fields...)
	buf.WriteByte(TypeMResult)
	for _, f := range fields {
		buf.WriteByte(FieldDelimiter)
		buf.WriteString(f)
	}
	buf.WriteByte(CR)
}

// seqTracker records warnings when per-class sequence numbers skip or
// restart mid-message. Parsing never fails on sequence defects.
type seqTracker struct {
	msg  *Message
	next map[byte]int
}

func newSeqTracker(msg *Message) *seqTracker {
	return &seqTracker{msg: msg, next: map[byte]int{}}
}

func (s *seqTracker) check(typeID byte, seqField string) {
	if s.next[typeID] == 0 {
		s.next[typeID] = 1
	}
	expected := s.next[typeID]
	s.next[typeID] = expected + 1

	if seqField == "" {
		return
	}
	got, err := strconv.Atoi(seqField)
	if err != nil || got == expected {
		return
	}
	s.msg.Warnings = append(s.msg.Warnings,
		fmt.Sprintf("record %c sequence %d, expected %d", typeID, got, expected))
}
