package router

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/basekick-labs/aplake/internal/decoder/decodertest"
	"github.com/basekick-labs/aplake/internal/schema"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, name string, data []byte) []*decoder.Record {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	dec, err := decoder.Open(path, decoder.Options{TempDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer dec.Close()

	var recs []*decoder.Record
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

// routeDataFlash runs both passes over the records and groups rows by partition path.
func routeDataFlash(t *testing.T, recs []*decoder.Record, offset float64) (map[string][]Row, *Router) {
	t.Helper()
	b := schema.NewBuilder(zerolog.Nop())
	for _, rec := range recs {
		b.Observe(rec)
	}
	r := New(decoder.FormatDataFlash, b.Freeze(), offset, nil, zerolog.Nop())

	out := map[string][]Row{}
	var buf []Emission
	for _, rec := range recs {
		buf = r.Route(rec, buf[:0])
		for _, e := range buf {
			out[e.Key.Path()] = append(out[e.Key.Path()], e.Row)
		}
	}
	return out, r
}

func TestRoute_InstanceKeyScenario(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(129, "FMTU", "QBNN", "TimeUS", "FmtType", "UnitIds", "MultIds"))
	require.NoError(t, w.WriteFormat(130, "A", "fZ", "x", "y"))
	require.NoError(t, w.WriteFormat(131, "B", "f", "x"))
	require.NoError(t, w.WriteMessage("FMTU", 0, 130, "#-", "--"))
	require.NoError(t, w.WriteMessage("A", 1.0, "p"))
	require.NoError(t, w.WriteMessage("A", 2.0, "q"))

	parts, r := routeDataFlash(t, decodeAll(t, "a.bin", buf.Bytes()), 0)

	assert.Len(t, parts, 2)
	require.Len(t, parts["MessageType=A/Instance=1/KeyName=y"], 1)
	require.Len(t, parts["MessageType=A/Instance=2/KeyName=y"], 1)
	assert.Equal(t, "p", parts["MessageType=A/Instance=1/KeyName=y"][0].Cell.Text)
	assert.Equal(t, "q", parts["MessageType=A/Instance=2/KeyName=y"][0].Cell.Text)
	for path := range parts {
		assert.NotContains(t, path, "KeyName=x")
	}

	// 3 FMT + FMTU + 2 data records
	assert.Equal(t, int64(6), r.LineNumber())
	assert.Equal(t, int64(2), r.Stats().Routed)
	assert.Equal(t, int64(2), r.Stats().Cells)
}

func TestRoute_UnknownTypeAdvancesLineOnly(t *testing.T) {
	r := New(decoder.FormatDataFlash, schema.NewBuilder(zerolog.Nop()).Freeze(), 0, nil, zerolog.Nop())

	out := r.Route(&decoder.Record{Type: "NOPE", Fields: []decoder.Field{{Name: "a", Value: decoder.Float(1)}}}, nil)
	assert.Empty(t, out)
	assert.Equal(t, int64(1), r.LineNumber())
	assert.Equal(t, int64(1), r.Stats().Skipped)
	assert.Zero(t, r.Stats().Cells)
}

func TestRoute_DataFlashClassification(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(130, "MIX", "QfNaB", "TimeUS", "Volt", "Label", "Raw", "Flags"))
	require.NoError(t, w.WriteMessage("MIX", 2_500_000, 12.5, "batt", []int16{-3, 4}, 7))

	parts, _ := routeDataFlash(t, decodeAll(t, "m.bin", buf.Bytes()), 0)
	require.Len(t, parts, 4)
	for path := range parts {
		assert.NotContains(t, path, "TimeUS")
	}

	volt := parts["MessageType=MIX/Instance=0/KeyName=Volt"][0]
	assert.Equal(t, CellNumeric, volt.Cell.Kind)
	assert.InDelta(t, 12.5, volt.Cell.Number, 1e-6)
	assert.True(t, volt.HasTimestamp)
	assert.Equal(t, int64(2500), volt.Timestamp)
	assert.Equal(t, int64(2), volt.LineNumber)

	label := parts["MessageType=MIX/Instance=0/KeyName=Label"][0]
	assert.Equal(t, CellText, label.Cell.Kind)
	assert.Equal(t, "batt", label.Cell.Text)
	assert.False(t, label.Cell.HasNumber())
	assert.False(t, label.Cell.HasValue())

	raw := parts["MessageType=MIX/Instance=0/KeyName=Raw"][0]
	assert.Equal(t, CellBinary, raw.Cell.Kind)
	assert.Len(t, raw.Cell.Binary, 64)
	assert.Equal(t, []byte{0xFD, 0xFF, 0x04, 0x00}, raw.Cell.Binary[:4])
	assert.Equal(t, float32(-3), raw.Cell.Number)
	assert.True(t, raw.Cell.HasValue())

	flags := parts["MessageType=MIX/Instance=0/KeyName=Flags"][0]
	assert.Equal(t, CellNumeric, flags.Cell.Kind)
	assert.Equal(t, float32(7), flags.Cell.Number)
}

func TestRoute_InstancesNeverShareAPartition(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(129, "FMTU", "QBNN", "TimeUS", "FmtType", "UnitIds", "MultIds"))
	require.NoError(t, w.WriteFormat(130, "IMU", "QBf", "TimeUS", "I", "AccX"))
	require.NoError(t, w.WriteMessage("FMTU", 0, 130, "s#o", "F-0"))
	for i, inst := range []int{0, 1, 0, 2, 1, 0} {
		require.NoError(t, w.WriteMessage("IMU", 1000*(i+1), inst, float64(inst)+0.5))
	}

	parts, _ := routeDataFlash(t, decodeAll(t, "imu.bin", buf.Bytes()), 0)
	want := map[string]int{
		"MessageType=IMU/Instance=0/KeyName=AccX": 3,
		"MessageType=IMU/Instance=1/KeyName=AccX": 2,
		"MessageType=IMU/Instance=2/KeyName=AccX": 1,
	}
	require.Len(t, parts, len(want))
	for path, n := range want {
		rows := parts[path]
		require.Len(t, rows, n, path)
		first := rows[0].Cell.Number
		for _, row := range rows {
			assert.Equal(t, first, row.Cell.Number)
		}
	}
}

func TestRoute_AppliesClockOffset(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(130, "ATT", "Qf", "TimeUS", "Roll"))
	require.NoError(t, w.WriteMessage("ATT", 1_500_000, 0.25))

	// A GPS timebase of 1.7e9 s is applied as a negative offset
	parts, _ := routeDataFlash(t, decodeAll(t, "o.bin", buf.Bytes()), -1_700_000_000)
	row := parts["MessageType=ATT/Instance=0/KeyName=Roll"][0]
	assert.Equal(t, int64(1_700_000_001_500), row.Timestamp)
}

func TestRoute_MissingTimestampAndFields(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(130, "PARM", "Nf", "Name", "Value"))
	b := schema.NewBuilder(zerolog.Nop())
	for _, rec := range decodeAll(t, "p.bin", buf.Bytes()) {
		b.Observe(rec)
	}
	r := New(decoder.FormatDataFlash, b.Freeze(), 0, nil, zerolog.Nop())

	out := r.Route(&decoder.Record{
		Type:   "PARM",
		Fields: []decoder.Field{{Name: "Name", Value: decoder.String("RATE")}},
	}, nil)
	require.Len(t, out, 2)
	assert.False(t, out[0].Row.HasTimestamp)
	assert.Equal(t, CellText, out[0].Row.Cell.Kind)
	assert.Equal(t, CellMissing, out[1].Row.Cell.Kind)
	assert.True(t, math.IsNaN(float64(out[1].Row.Cell.Number)))
}

func TestRoute_CoercionFallsBackToText(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(130, "ODD", "f", "Val"))
	b := schema.NewBuilder(zerolog.Nop())
	for _, rec := range decodeAll(t, "c.bin", buf.Bytes()) {
		b.Observe(rec)
	}
	r := New(decoder.FormatDataFlash, b.Freeze(), 0, nil, zerolog.Nop())

	out := r.Route(&decoder.Record{
		Type:   "ODD",
		Fields: []decoder.Field{{Name: "Val", Value: decoder.String("not-a-number")}},
	}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, CellText, out[0].Row.Cell.Kind)
	assert.Equal(t, "not-a-number", out[0].Row.Cell.Text)
	assert.False(t, out[0].Row.Cell.HasNumber())
	assert.False(t, out[0].Row.Cell.HasValue())
	assert.Equal(t, int64(1), r.Stats().CoercionFallbacks)
}

func TestRoute_ReservedTypesSkipped(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewDataFlashWriter(&buf)
	require.NoError(t, w.WriteFormat(129, "FMTU", "QBNN", "TimeUS", "FmtType", "UnitIds", "MultIds"))
	require.NoError(t, w.WriteFormat(130, "UNIT", "QbZ", "TimeUS", "Id", "Label"))
	require.NoError(t, w.WriteMessage("UNIT", 0, 65, "ampere"))
	require.NoError(t, w.WriteMessage("FMTU", 0, 130, "s--", "F--"))

	parts, r := routeDataFlash(t, decodeAll(t, "u.bin", buf.Bytes()), 0)
	assert.Empty(t, parts)
	assert.Equal(t, int64(4), r.Stats().Skipped)
}

func TestRoute_Tlog(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewTlogWriter(&buf, true)
	require.NoError(t, w.WriteMessage(1_700_000_010_000_000, 1, 1, &ardupilotmega.MessageStatustext{
		Severity: 6, Text: "EKF3 IMU0 is using GPS",
	}))
	require.NoError(t, w.WriteMessage(1_700_000_011_000_000, 1, 154, &ardupilotmega.MessageBatteryStatus{
		Voltages: [10]uint16{4000}, CurrentBattery: 150,
	}))
	recs := decodeAll(t, "t.tlog", buf.Bytes())

	r := New(decoder.FormatTlog, nil, 0.5, NewProgressReporter(1, zerolog.Nop()), zerolog.Nop())
	out := map[PartitionKey]Row{}
	for _, rec := range recs {
		for _, e := range r.Route(rec, nil) {
			out[e.Key] = e.Row
		}
	}

	text := out[PartitionKey{MessageType: "STATUSTEXT", Instance: "1", KeyName: "text"}]
	assert.Equal(t, CellText, text.Cell.Kind)
	assert.Equal(t, "EKF3 IMU0 is using GPS", text.Cell.Text)
	assert.Equal(t, int64(1_700_000_009_500), text.Timestamp)
	assert.Equal(t, int64(1), text.LineNumber)

	sev := out[PartitionKey{MessageType: "STATUSTEXT", Instance: "1", KeyName: "severity"}]
	assert.Equal(t, CellNumeric, sev.Cell.Kind)
	assert.Equal(t, float32(6), sev.Cell.Number)

	volts := out[PartitionKey{MessageType: "BATTERY_STATUS", Instance: "154", KeyName: "voltages"}]
	assert.Equal(t, CellBinary, volts.Cell.Kind)
	assert.Len(t, volts.Cell.Binary, 20)
	assert.False(t, volts.Cell.HasNumber())
	assert.False(t, volts.Cell.HasValue())
	assert.Equal(t, int64(2), volts.LineNumber)

	assert.Equal(t, int64(2), r.progress.Count())
	assert.Equal(t, int64(2), r.Stats().Routed)
}

func TestPartitionKeyPath(t *testing.T) {
	k := PartitionKey{MessageType: "GPS", Instance: "1", KeyName: "Lat"}
	assert.Equal(t, "MessageType=GPS/Instance=1/KeyName=Lat", k.Path())

	parsed, err := ParsePath("LogUID=abc/" + k.Path() + "/")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	odd := PartitionKey{MessageType: "A/B", Instance: "..", KeyName: "x=y"}
	assert.Equal(t, "MessageType=A_B/Instance=__/KeyName=x_y", odd.Path())

	_, err = ParsePath("MessageType=GPS/KeyName=Lat")
	assert.Error(t, err)
}

func TestProgressReporter(t *testing.T) {
	p := NewProgressReporter(3, zerolog.Nop())
	logged := 0
	for i := 0; i < 7; i++ {
		if p.Tick() {
			logged++
		}
	}
	assert.Equal(t, 2, logged)
	assert.Equal(t, int64(7), p.Count())

	var nilReporter *ProgressReporter
	assert.False(t, nilReporter.Tick())
	assert.Zero(t, nilReporter.Count())
}
