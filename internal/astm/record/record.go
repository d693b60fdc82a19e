// Package record implements the ASTM E1394 / LIS2-A record layer.
//
// A transmission's payload is a sequence of records joined by CR, each record
// a '|'-delimited line identified by its first field (H, P, O, R, Q, M, L).
// This package defines the record model, the codec between the wire form and
// the Message aggregate, and the closed registry of per-instrument codec
// variants selected by configuration.
package record

import "strings"

// Fixed ASTM E1394 delimiters. The H record nominally redefines them; every
// analyzer this service talks to uses the standard set, so the codec treats
// them as constants.
const (
	FieldDelimiter     = '|'
	ComponentDelimiter = '^'
	RepeatDelimiter    = '\\'
	EscapeDelimiter    = '&'
)

// DelimiterDefinition is the canonical H-record field 2 value.
const DelimiterDefinition = `\^&`

// Record type identifiers (first field of each record line).
const (
	TypeHeader     = 'H'
	TypePatient    = 'P'
	TypeOrder      = 'O'
	TypeResult     = 'R'
	TypeQuery      = 'Q'
	TypeMResult    = 'M'
	TypeTerminator = 'L'
)

// Header is the H record. It opens every message.
//
// Field positions follow LIS2-A section 6; unused positions are kept as
// empty strings so a parsed record can be re-emitted faithfully.
type Header struct {
	DelimiterDef          string `json:"delimiterDefinition"`
	MessageControlID      string `json:"messageControlId"`
	AccessPassword        string `json:"accessPassword"`
	SenderName            string `json:"senderName"`
	SenderAddress         string `json:"senderAddress"`
	Reserved              string `json:"reserved"`
	SenderPhone           string `json:"senderPhone"`
	SenderCharacteristics string `json:"senderCharacteristics"`
	ReceiverID            string `json:"receiverId"`
	Comment               string `json:"comment"`
	ProcessingID          string `json:"processingId"`
	VersionNumber         string `json:"versionNumber"`
	Timestamp             string `json:"timestamp"`
}

func (h *Header) typeID() byte { return TypeHeader }

func (h *Header) fields() []*string {
	return []*string{
		&h.DelimiterDef, &h.MessageControlID, &h.AccessPassword,
		&h.SenderName, &h.SenderAddress, &h.Reserved, &h.SenderPhone,
		&h.SenderCharacteristics, &h.ReceiverID, &h.Comment,
		&h.ProcessingID, &h.VersionNumber, &h.Timestamp,
	}
}

// SenderComponents returns the '^'-separated components of the sender name,
// padded to four components (name, model, version, serial).
func (h *Header) SenderComponents() []string {
	return Components(h.SenderName, 4)
}

// Patient is the P record.
type Patient struct {
	SequenceNumber     string `json:"sequenceNumber"`
	PracticePatientID  string `json:"practicePatientId"`
	LabPatientID       string `json:"labPatientId"`
	PatientID3         string `json:"patientId3"`
	Name               string `json:"name"`
	MaidenName         string `json:"maidenName"`
	BirthDate          string `json:"birthDate"`
	Sex                string `json:"sex"`
	Race               string `json:"race"`
	Address            string `json:"address"`
	Reserved           string `json:"reserved"`
	Phone              string `json:"phone"`
	AttendingPhysician string `json:"attendingPhysician"`
}

func (p *Patient) typeID() byte { return TypePatient }

func (p *Patient) fields() []*string {
	return []*string{
		&p.SequenceNumber, &p.PracticePatientID, &p.LabPatientID,
		&p.PatientID3, &p.Name, &p.MaidenName, &p.BirthDate, &p.Sex,
		&p.Race, &p.Address, &p.Reserved, &p.Phone, &p.AttendingPhysician,
	}
}

// NameComponents returns the patient name split into the canonical five
// components: last, first, middle, suffix, title.
func (p *Patient) NameComponents() []string {
	return Components(p.Name, 5)
}

// Order is the O record.
type Order struct {
	SequenceNumber       string `json:"sequenceNumber"`
	SpecimenID           string `json:"specimenId"`
	InstrumentSpecimenID string `json:"instrumentSpecimenId"`
	UniversalTestID      string `json:"universalTestId"`
	Priority             string `json:"priority"`
	RequestedAt          string `json:"requestedAt"`
	CollectedAt          string `json:"collectedAt"`
	CollectionEndAt      string `json:"collectionEndAt"`
	CollectionVolume     string `json:"collectionVolume"`
	CollectorID          string `json:"collectorId"`
	ActionCode           string `json:"actionCode"`
	DangerCode           string `json:"dangerCode"`
	ClinicalInfo         string `json:"clinicalInfo"`
	ReceivedAt           string `json:"receivedAt"`
	SpecimenDescriptor   string `json:"specimenDescriptor"`
	OrderingPhysician    string `json:"orderingPhysician"`
	PhysicianPhone       string `json:"physicianPhone"`
	UserField1           string `json:"userField1"`
	UserField2           string `json:"userField2"`
	LabField1            string `json:"labField1"`
	LabField2            string `json:"labField2"`
	ReportedAt           string `json:"reportedAt"`
	InstrumentCharge     string `json:"instrumentCharge"`
	InstrumentSectionID  string `json:"instrumentSectionId"`
	ReportType           string `json:"reportType"`
}

func (o *Order) typeID() byte { return TypeOrder }

func (o *Order) fields() []*string {
	return []*string{
		&o.SequenceNumber, &o.SpecimenID, &o.InstrumentSpecimenID,
		&o.UniversalTestID, &o.Priority, &o.RequestedAt, &o.CollectedAt,
		&o.CollectionEndAt, &o.CollectionVolume, &o.CollectorID,
		&o.ActionCode, &o.DangerCode, &o.ClinicalInfo, &o.ReceivedAt,
		&o.SpecimenDescriptor, &o.OrderingPhysician, &o.PhysicianPhone,
		&o.UserField1, &o.UserField2, &o.LabField1, &o.LabField2,
		&o.ReportedAt, &o.InstrumentCharge, &o.InstrumentSectionID,
		&o.ReportType,
	}
}

// TestIDComponents returns the '^'-separated universal test ID components,
// padded to four.
func (o *Order) TestIDComponents() []string {
	return Components(o.UniversalTestID, 4)
}

// Result is the R record. Manufacturer M records that follow a result on the
// wire are attached to it.
type Result struct {
	SequenceNumber    string `json:"sequenceNumber"`
	UniversalTestID   string `json:"universalTestId"`
	Value             string `json:"value"`
	Units             string `json:"units"`
	ReferenceRanges   string `json:"referenceRanges"`
	AbnormalFlags     string `json:"abnormalFlags"`
	AbnormalityNature string `json:"abnormalityNature"`
	Status            string `json:"status"`
	NormsChangedAt    string `json:"normsChangedAt"`
	OperatorID        string `json:"operatorId"`
	StartedAt         string `json:"startedAt"`
	CompletedAt       string `json:"completedAt"`
	InstrumentID      string `json:"instrumentId"`

	// MResults holds the manufacturer records that immediately followed this
	// result in the serialized message.
	MResults []*MResult `json:"mresultRecords,omitempty"`
}

func (r *Result) typeID() byte { return TypeResult }

func (r *Result) fields() []*string {
	return []*string{
		&r.SequenceNumber, &r.UniversalTestID, &r.Value, &r.Units,
		&r.ReferenceRanges, &r.AbnormalFlags, &r.AbnormalityNature,
		&r.Status, &r.NormsChangedAt, &r.OperatorID, &r.StartedAt,
		&r.CompletedAt, &r.InstrumentID,
	}
}

// TestIDComponents returns the '^'-separated universal test ID components,
// padded to four.
func (r *Result) TestIDComponents() []string {
	return Components(r.UniversalTestID, 4)
}

// Query is the Q record (host query / request-information).
type Query struct {
	SequenceNumber  string `json:"sequenceNumber"`
	StartingRangeID string `json:"startingRangeId"`
	EndingRangeID   string `json:"endingRangeId"`
	UniversalTestID string `json:"universalTestId"`
	TimeLimitNature string `json:"timeLimitNature"`
	BeginResultsAt  string `json:"beginResultsAt"`
	EndResultsAt    string `json:"endResultsAt"`
	Physician       string `json:"physician"`
	PhysicianPhone  string `json:"physicianPhone"`
	UserField1      string `json:"userField1"`
	UserField2      string `json:"userField2"`
	StatusCode      string `json:"statusCode"`
}

func (q *Query) typeID() byte { return TypeQuery }

func (q *Query) fields() []*string {
	return []*string{
		&q.SequenceNumber, &q.StartingRangeID, &q.EndingRangeID,
		&q.UniversalTestID, &q.TimeLimitNature, &q.BeginResultsAt,
		&q.EndResultsAt, &q.Physician, &q.PhysicianPhone,
		&q.UserField1, &q.UserField2, &q.StatusCode,
	}
}

// SpecimenComponents returns the '^'-separated components of the starting
// range ID, padded to two (specimen ID, sub-ID).
func (q *Query) SpecimenComponents() []string {
	return Components(q.StartingRangeID, 2)
}

// MResult is the manufacturer-defined M record. Beyond the sequence number
// its layout is vendor-specific, so the remaining fields are kept verbatim.
type MResult struct {
	SequenceNumber string   `json:"sequenceNumber"`
	Fields         []string `json:"fields"`
}

func (m *MResult) typeID() byte { return TypeMResult }

// Terminator is the L record. It closes every message.
type Terminator struct {
	SequenceNumber  string `json:"sequenceNumber"`
	TerminationCode string `json:"terminationCode"`
}

func (l *Terminator) typeID() byte { return TypeTerminator }

func (l *Terminator) fields() []*string {
	return []*string{&l.SequenceNumber, &l.TerminationCode}
}

// Components splits a composite field on '^' and pads the result to at least
// n components so positional access is always safe.
func Components(composite string, n int) []string {
	parts := strings.Split(composite, string(ComponentDelimiter))
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}
