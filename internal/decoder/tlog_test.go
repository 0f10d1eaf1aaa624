package decoder_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/basekick-labs/aplake/internal/decoder/decodertest"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTlog(t *testing.T, v2 bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := decodertest.NewTlogWriter(&buf, v2)
	require.NoError(t, w.WriteMessage(1_700_000_000_000_000, 1, 1, &ardupilotmega.MessageHeartbeat{
		Type: 2, Autopilot: 3, CustomMode: 5, MavlinkVersion: 3,
	}))
	require.NoError(t, w.WriteMessage(1_700_000_000_100_000, 1, 1, &ardupilotmega.MessageSystemTime{
		TimeUnixUsec: 1_699_999_999_000_000,
	}))
	require.NoError(t, w.WriteMessage(1_700_000_000_200_000, 1, 1, &ardupilotmega.MessageParamValue{
		ParamId: "STAT_BOOTCNT", ParamValue: 42, ParamType: 9, ParamCount: 900, ParamIndex: 12,
	}))
	require.NoError(t, w.WriteMessage(1_700_000_000_300_000, 1, 191, &ardupilotmega.MessageStatustext{
		Severity: 6, Text: "CubeOrangePlus 12345678 abcdef",
	}))
	require.NoError(t, w.WriteMessage(1_700_000_000_400_000, 1, 1, &ardupilotmega.MessageBatteryStatus{
		Voltages: [10]uint16{4100, 4050, 65535}, Temperature: -5,
	}))
	return buf.Bytes()
}

func TestTlog_DecodesFrames(t *testing.T) {
	for _, v2 := range []bool{false, true} {
		name := "v1"
		if v2 {
			name = "v2"
		}
		t.Run(name, func(t *testing.T) {
			d := openFile(t, writeFile(t, "c.tlog", sampleTlog(t, v2)))
			assert.Equal(t, decoder.FormatTlog, d.Format())

			recs := readAll(t, d)
			require.Len(t, recs, 5)

			hb := recs[0]
			assert.Equal(t, "HEARTBEAT", hb.Type)
			assert.True(t, hb.HasTimestamp)
			assert.InDelta(t, 1_700_000_000.0, hb.Timestamp, 1e-6)
			assert.Equal(t, uint8(1), hb.SrcSystem)
			assert.Equal(t, uint8(1), hb.SrcComponent)
			names := make([]string, len(hb.Fields))
			for i, fd := range hb.Fields {
				names[i] = fd.Name
			}
			assert.Equal(t, []string{"type", "autopilot", "base_mode", "custom_mode", "system_status", "mavlink_version"}, names)
			cm, _ := hb.GetFloat("custom_mode")
			assert.Equal(t, 5.0, cm)

			st := recs[1]
			usec, ok := st.Get("time_unix_usec")
			require.True(t, ok)
			assert.Equal(t, decoder.KindUint, usec.Kind())
			assert.Equal(t, uint64(1_699_999_999_000_000), usec.Any())
			boot, _ := st.GetFloat("time_boot_ms")
			assert.Zero(t, boot)

			pv := recs[2]
			assert.Equal(t, "STAT_BOOTCNT", pv.GetString("param_id"))
			val, _ := pv.GetFloat("param_value")
			assert.Equal(t, 42.0, val)

			txt := recs[3]
			assert.Equal(t, uint8(191), txt.SrcComponent)
			assert.Equal(t, "CubeOrangePlus 12345678 abcdef", txt.GetString("text"))

			bat := recs[4]
			volts, _ := bat.Get("voltages")
			require.Equal(t, decoder.KindBytes, volts.Kind())
			require.Len(t, volts.Bytes(), 20)
			assert.Equal(t, uint16(4100), binary.LittleEndian.Uint16(volts.Bytes()[0:]))
			assert.Equal(t, uint16(65535), binary.LittleEndian.Uint16(volts.Bytes()[4:]))
			temp, _ := bat.GetFloat("temperature")
			assert.Equal(t, -5.0, temp)

			assert.Zero(t, d.Stats().BadCRC)
		})
	}
}

func TestTlog_DecodesFullArduPilotDialect(t *testing.T) {
	extra, ok := decodertest.CRCExtra(65)
	require.True(t, ok)
	assert.Equal(t, byte(118), extra)

	var buf bytes.Buffer
	v1 := decodertest.NewTlogWriter(&buf, false)
	require.NoError(t, v1.WriteMessage(1_000_000, 1, 1, &ardupilotmega.MessageAttitude{Roll: 0.1}))
	require.NoError(t, v1.WriteMessage(1_100_000, 1, 1, &ardupilotmega.MessageRcChannels{
		TimeBootMs: 1200, Chancount: 16, Chan1Raw: 1500, Chan3Raw: 1100, Chan18Raw: 900, Rssi: 254,
	}))
	require.NoError(t, v1.WriteMessage(1_200_000, 1, 1, &ardupilotmega.MessageAttitude{Roll: 0.2}))
	v2 := decodertest.NewTlogWriter(&buf, true)
	require.NoError(t, v2.WriteMessage(1_300_000, 1, 1, &ardupilotmega.MessageAhrs2{Roll: 0.3, Altitude: 120.5, Lat: -353632621}))

	d := openFile(t, writeFile(t, "apm.tlog", buf.Bytes()))
	recs := readAll(t, d)
	require.Len(t, recs, 4)

	types := make([]string, len(recs))
	for i, r := range recs {
		types[i] = r.Type
	}
	assert.Equal(t, []string{"ATTITUDE", "RC_CHANNELS", "ATTITUDE", "AHRS2"}, types)

	rc := recs[1]
	ch1, ok := rc.GetFloat("chan1_raw")
	require.True(t, ok)
	assert.Equal(t, 1500.0, ch1)
	ch18, _ := rc.GetFloat("chan18_raw")
	assert.Equal(t, 900.0, ch18)
	rssi, _ := rc.GetFloat("rssi")
	assert.Equal(t, 254.0, rssi)

	alt, _ := recs[3].GetFloat("altitude")
	assert.InDelta(t, 120.5, alt, 1e-6)
	lat, _ := recs[3].Get("lat")
	assert.Equal(t, decoder.KindInt, lat.Kind())
	assert.Equal(t, int64(-353632621), lat.Any())

	stats := d.Stats()
	assert.Zero(t, stats.Unknown)
	assert.Zero(t, stats.Resyncs)
	assert.Equal(t, int64(4), stats.Records)
}

func TestTlog_RejectsBadChecksum(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewTlogWriter(&buf, false)
	require.NoError(t, w.WriteMessage(1_000_000, 1, 1, &ardupilotmega.MessageAttitude{Roll: 0.1}))
	good := buf.Len()
	require.NoError(t, w.WriteMessage(2_000_000, 1, 1, &ardupilotmega.MessageAttitude{Roll: 0.2}))
	require.NoError(t, w.WriteMessage(3_000_000, 1, 1, &ardupilotmega.MessageAttitude{Roll: 0.3}))

	data := buf.Bytes()
	// Corrupt a payload byte of the second frame
	data[good+8+6+4] ^= 0xFF

	d := openFile(t, writeFile(t, "crc.tlog", data))
	recs := readAll(t, d)
	require.Len(t, recs, 2)
	r0, _ := recs[0].GetFloat("roll")
	r1, _ := recs[1].GetFloat("roll")
	assert.InDelta(t, 0.1, r0, 1e-6)
	assert.InDelta(t, 0.3, r1, 1e-6)
	assert.GreaterOrEqual(t, d.Stats().BadCRC, int64(1))
}

func TestTlog_SkipsUnknownMessages(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewTlogWriter(&buf, true)
	require.NoError(t, w.WriteMessage(1_000_000, 1, 1, &ardupilotmega.MessageVfrHud{Airspeed: 12}))

	// A framed v2 message with an id outside the dialect
	require.NoError(t, w.WriteStamp(1_500_000))
	require.NoError(t, w.WriteRaw([]byte{0xFD, 2, 0, 0, 9, 1, 1, 0x39, 0x30, 0, 0xAA, 0xBB, 0x12, 0x34}))

	require.NoError(t, w.WriteMessage(2_000_000, 1, 1, &ardupilotmega.MessageVfrHud{Airspeed: 13}))

	d := openFile(t, writeFile(t, "u.tlog", buf.Bytes()))
	recs := readAll(t, d)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), d.Stats().Unknown)
}

func TestTlog_SignedFrame(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewTlogWriter(&buf, true)
	w.Signed = true
	require.NoError(t, w.WriteMessage(5_000_000, 1, 1, &ardupilotmega.MessageSystemTime{
		TimeUnixUsec: 1_600_000_000_000_000, TimeBootMs: 7,
	}))
	w.Signed = false
	require.NoError(t, w.WriteMessage(6_000_000, 1, 1, &ardupilotmega.MessageSystemTime{TimeBootMs: 8}))

	data := buf.Bytes()
	require.Equal(t, byte(decodertest.IncompatSigned), data[8+2])

	d := openFile(t, writeFile(t, "sig.tlog", data))
	recs := readAll(t, d)
	require.Len(t, recs, 2)
	boot, _ := recs[0].GetFloat("time_boot_ms")
	assert.Equal(t, 7.0, boot)
	boot, _ = recs[1].GetFloat("time_boot_ms")
	assert.Equal(t, 8.0, boot)
	assert.Zero(t, d.Stats().Resyncs)
}

func TestTlog_TruncatedPayloadIsZeroPadded(t *testing.T) {
	var buf bytes.Buffer
	w := decodertest.NewTlogWriter(&buf, true)
	require.NoError(t, w.WriteMessage(1_000_000, 1, 1, &ardupilotmega.MessageGpsRawInt{TimeUsec: 1}))
	data := buf.Bytes()
	// GPS_RAW_INT carries 30 bytes before extensions
	assert.Less(t, int(data[9]), 30)

	d := openFile(t, writeFile(t, "z.tlog", data))
	recs := readAll(t, d)
	require.Len(t, recs, 1)
	sats, ok := recs[0].GetFloat("satellites_visible")
	require.True(t, ok)
	assert.Zero(t, sats)
}

func TestTlog_Rewind(t *testing.T) {
	d := openFile(t, writeFile(t, "rw.tlog", sampleTlog(t, true)))
	first := readAll(t, d)
	require.NoError(t, d.Rewind())
	assert.Equal(t, first, readAll(t, d))
}

func TestMAVLinkMessageNames(t *testing.T) {
	names := decoder.MAVLinkMessageNames()
	assert.Contains(t, names, "SYSTEM_TIME")
	assert.Contains(t, names, "GPS_RAW_INT")
	assert.Contains(t, names, "STATUSTEXT")
	assert.Contains(t, names, "RC_CHANNELS")
	assert.Contains(t, names, "EKF_STATUS_REPORT")
	assert.IsNonDecreasing(t, names)
}
