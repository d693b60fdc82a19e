package record

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resultUpload is the payload of a typical blood-grouping result upload.
const resultUpload = "H|\\^&|||OCD^VISION^5.13.1^J1|||||||P|LIS2-A|20250101120000\r" +
	"P|1|PID1||||Doe^John||19800101|M\r" +
	"O|1|S1||ABO|N|20250101120000|||||||||CENT|||||||20250101120000|||F\r" +
	"R|1|ABO|A|||||F||Auto||20250101120000|J1\r" +
	"L||\r"

// visionKeepAlive is the exact keep-alive an Ortho VISION sends.
const visionKeepAlive = "H|\\^&|||OCD^VISION^5.14.0.47342^JNumber|||||||P|LIS2-A|20220902174004\r" +
	"L||\r"

func TestParse(t *testing.T) {
	t.Run("ResultUpload", func(t *testing.T) {
		msg, err := Parse([]byte(resultUpload))
		require.NoError(t, err)

		require.NotNil(t, msg.Header)
		assert.Equal(t, "OCD^VISION^5.13.1^J1", msg.Header.SenderName)
		assert.Equal(t, "LIS2-A", msg.Header.VersionNumber)
		assert.Equal(t, "20250101120000", msg.Header.Timestamp)

		require.NotNil(t, msg.Patient)
		assert.Equal(t, "Doe^John", msg.Patient.Name)
		assert.Equal(t, "M", msg.Patient.Sex)
		assert.Equal(t, "19800101", msg.Patient.BirthDate)

		require.Len(t, msg.Orders, 1)
		order := msg.Orders[0]
		assert.Equal(t, "S1", order.SpecimenID)
		assert.Equal(t, "ABO", order.UniversalTestID)
		assert.Equal(t, "N", order.Priority)
		assert.Equal(t, "CENT", order.SpecimenDescriptor)
		assert.Equal(t, "20250101120000", order.ReportedAt)
		assert.Equal(t, "F", order.ReportType)

		require.Len(t, msg.Results, 1)
		result := msg.Results[0]
		assert.Equal(t, "ABO", result.UniversalTestID)
		assert.Equal(t, "A", result.Value)
		assert.Equal(t, "F", result.Status)
		assert.Equal(t, "Auto", result.OperatorID)
		assert.Equal(t, "J1", result.InstrumentID)

		require.NotNil(t, msg.Terminator)
		assert.Equal(t, MessageTypeResult, msg.Type)
		assert.Equal(t, []byte(resultUpload), msg.RawBytes)
		assert.Empty(t, msg.Warnings)
	})

	t.Run("KeepAlive", func(t *testing.T) {
		msg, err := Parse([]byte(visionKeepAlive))
		require.NoError(t, err)
		assert.Equal(t, MessageTypeKeepAlive, msg.Type)
		assert.True(t, msg.IsKeepAlive())
		assert.Equal(t, 2, msg.RecordCount())
	})

	t.Run("MResultAttachesToPrecedingResult", func(t *testing.T) {
		payload := "H|\\^&\r" +
			"R|1|ABO|A\r" +
			"M|1|WELL|1|AHG\r" +
			"M|2|WELL|2|CTL\r" +
			"R|2|RH|POS\r" +
			"M|1|WELL|3|D\r" +
			"L|1|N\r"
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		require.Len(t, msg.Results, 2)
		require.Len(t, msg.Results[0].MResults, 2)
		require.Len(t, msg.Results[1].MResults, 1)
		assert.Empty(t, msg.MResults)
		assert.Equal(t, []string{"WELL", "1", "AHG"}, msg.Results[0].MResults[0].Fields)
	})

	t.Run("MResultBeforeAnyResultGoesToMessage", func(t *testing.T) {
		payload := "H|\\^&\rM|1|SETUP|X\rL|1|N\r"
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		require.Len(t, msg.MResults, 1)
		assert.Equal(t, MessageTypeMessage, msg.Type)
	})

	t.Run("QueryClassification", func(t *testing.T) {
		payload := "H|\\^&\rQ|1|^S77||ALL||||||||O\rL|1|N\r"
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		require.Len(t, msg.Queries, 1)
		assert.Equal(t, MessageTypeQuery, msg.Type)
		assert.Equal(t, "^S77", msg.Queries[0].StartingRangeID)
		assert.Equal(t, "S77", msg.Queries[0].SpecimenComponents()[1])
	})

	t.Run("LowercaseTypeIDsAccepted", func(t *testing.T) {
		payload := "h|\\^&\rr|1|ABO|A\rl|1|N\r"
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		require.NotNil(t, msg.Header)
		require.Len(t, msg.Results, 1)
		assert.Equal(t, MessageTypeResult, msg.Type)
	})

	t.Run("UnknownRecordIgnoredWithWarning", func(t *testing.T) {
		payload := "H|\\^&\rZ|1|vendor-stuff\rR|1|ABO|A\rL|1|N\r"
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		require.Len(t, msg.Warnings, 1)
		assert.Contains(t, msg.Warnings[0], `"Z"`)
		require.Len(t, msg.Results, 1)
	})

	t.Run("SequenceSkipWarns", func(t *testing.T) {
		payload := "H|\\^&\rR|1|ABO|A\rR|3|RH|POS\rL|1|N\r"
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		require.Len(t, msg.Warnings, 1)
		assert.Contains(t, msg.Warnings[0], "sequence 3, expected 2")
	})

	t.Run("CRLFBetweenRecordsTolerated", func(t *testing.T) {
		payload := strings.ReplaceAll(resultUpload, "\r", "\r\n")
		msg, err := Parse([]byte(payload))
		require.NoError(t, err)
		assert.Equal(t, MessageTypeResult, msg.Type)
	})

	t.Run("GarbageFails", func(t *testing.T) {
		_, err := Parse([]byte("####\r%%%%\r"))
		assert.Error(t, err)
	})
}

func TestBuild(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		msg, err := Parse([]byte(resultUpload))
		require.NoError(t, err)

		rebuilt := Build(msg)
		reparsed, err := Parse(rebuilt)
		require.NoError(t, err)

		assert.Equal(t, msg.Header, reparsed.Header)
		assert.Equal(t, msg.Patient, reparsed.Patient)
		assert.Equal(t, msg.Orders, reparsed.Orders)
		assert.Equal(t, msg.Results, reparsed.Results)
		assert.Equal(t, msg.Terminator, reparsed.Terminator)
		assert.Equal(t, msg.Type, reparsed.Type)
	})

	t.Run("AssignsCanonicalSequenceNumbers", func(t *testing.T) {
		msg := &Message{
			Header:     &Header{DelimiterDef: DelimiterDefinition},
			Orders:     []*Order{{SpecimenID: "S1"}, {SpecimenID: "S2"}},
			Terminator: &Terminator{SequenceNumber: "1", TerminationCode: "N"},
		}
		out := string(Build(msg))
		assert.Contains(t, out, "O|1|S1")
		assert.Contains(t, out, "O|2|S2")
	})

	t.Run("MResultsFollowOwningResult", func(t *testing.T) {
		msg := &Message{
			Header: &Header{DelimiterDef: DelimiterDefinition},
			Results: []*Result{
				{UniversalTestID: "ABO", Value: "A", MResults: []*MResult{{Fields: []string{"WELL", "1"}}}},
				{UniversalTestID: "RH", Value: "POS"},
			},
			Terminator: &Terminator{SequenceNumber: "1", TerminationCode: "N"},
		}
		out := string(Build(msg))
		iFirstR := strings.Index(out, "R|1|ABO")
		iM := strings.Index(out, "M|1|WELL|1")
		iSecondR := strings.Index(out, "R|2|RH")
		require.True(t, iFirstR >= 0 && iM >= 0 && iSecondR >= 0)
		assert.Less(t, iFirstR, iM)
		assert.Less(t, iM, iSecondR)
	})

	t.Run("TerminatorKeepsTwoDelimiters", func(t *testing.T) {
		msg := &Message{Header: &Header{DelimiterDef: DelimiterDefinition}, Terminator: &Terminator{}}
		out := string(Build(msg))
		assert.Contains(t, out, "L||\r")
	})
}

func TestSniff(t *testing.T) {
	assert.Equal(t, MessageTypeKeepAlive, Sniff([]byte(visionKeepAlive)))
	assert.Equal(t, MessageTypeResult, Sniff([]byte(resultUpload)))
	assert.Equal(t, MessageTypeQuery, Sniff([]byte("H|\\^&\rQ|1|^S1\rL||\r")))
	assert.Equal(t, MessageTypeOrder, Sniff([]byte("H|\\^&\rO|1|S1\rL||\r")))
	assert.Equal(t, MessageTypeMessage, Sniff([]byte("H|\\^&\rL|1|N\rP|1\r")))
}

func TestComponents(t *testing.T) {
	msg, err := Parse([]byte(resultUpload))
	require.NoError(t, err)

	name := msg.Patient.NameComponents()
	require.Len(t, name, 5)
	assert.Equal(t, "Doe", name[0])
	assert.Equal(t, "John", name[1])
	assert.Equal(t, "", name[4])

	sender := msg.Header.SenderComponents()
	assert.Equal(t, []string{"OCD", "VISION", "5.13.1", "J1"}, sender)
}

func TestTimestamps(t *testing.T) {
	t.Run("LenientParse", func(t *testing.T) {
		for _, s := range []string{"20250101120000", "202501011200", "20250101"} {
			ts, err := ParseTimestamp(s)
			require.NoError(t, err, s)
			assert.Equal(t, 2025, ts.Year())
		}
	})

	t.Run("EmptyIsZero", func(t *testing.T) {
		ts, err := ParseTimestamp("")
		require.NoError(t, err)
		assert.True(t, ts.IsZero())
	})

	t.Run("RejectsJunk", func(t *testing.T) {
		for _, s := range []string{"2025", "20251345000000", "yesterday"} {
			_, err := ParseTimestamp(s)
			assert.Error(t, err, s)
		}
	})

	t.Run("NormalizePreservesPrecision", func(t *testing.T) {
		got, err := NormalizeTimestamp("20250101")
		require.NoError(t, err)
		assert.Equal(t, "20250101", got)

		got, err = NormalizeTimestamp("202501011200")
		require.NoError(t, err)
		assert.Equal(t, "20250101120000", got)
	})
}
