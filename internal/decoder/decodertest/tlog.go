package decodertest

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/bluenviron/gomavlib/v3/pkg/x25"
)

const (
	magicV1 = 0xFE
	magicV2 = 0xFD

	// IncompatSigned marks a v2 frame followed by a signature.
	IncompatSigned = 0x01
	// SignatureLen is the size of a v2 frame signature.
	SignatureLen = 13
)

var dialectRW = func() *dialect.ReadWriter {
	rw := &dialect.ReadWriter{Dialect: ardupilotmega.Dialect}
	if err := rw.Initialize(); err != nil {
		panic(err)
	}
	return rw
}()

// TlogWriter writes MAVLink telemetry logs using the ardupilotmega dialect.
type TlogWriter struct {
	w   io.Writer
	v2  bool
	seq uint8

	// Signed marks v2 frames as signed and appends a zero signature.
	Signed bool
}

// NewTlogWriter returns a writer emitting MAVLink v1 or v2 frames.
func NewTlogWriter(w io.Writer, v2 bool) *TlogWriter {
	return &TlogWriter{w: w, v2: v2}
}

// WriteMessage emits one frame preceded by its capture stamp in microseconds.
func (tw *TlogWriter) WriteMessage(stampUS uint64, sysID, compID uint8, msg message.Message) error {
	frame, err := tw.Frame(sysID, compID, msg)
	if err != nil {
		return err
	}
	if err := tw.WriteStamp(stampUS); err != nil {
		return err
	}
	return tw.WriteRaw(frame)
}

// WriteStamp emits a bare capture stamp.
func (tw *TlogWriter) WriteStamp(stampUS uint64) error {
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], stampUS)
	return tw.WriteRaw(stamp[:])
}

// WriteRaw emits bytes verbatim.
func (tw *TlogWriter) WriteRaw(b []byte) error {
	_, err := tw.w.Write(b)
	return err
}

// Frame encodes msg as one MAVLink frame without a capture stamp.
func (tw *TlogWriter) Frame(sysID, compID uint8, msg message.Message) ([]byte, error) {
	id := msg.GetID()
	mp := dialectRW.GetMessage(id)
	if mp == nil {
		return nil, fmt.Errorf("message id %d is not in the dialect", id)
	}
	payload := mp.Write(msg, tw.v2).Payload

	var frame []byte
	if tw.v2 {
		n := len(payload)
		for n > 1 && payload[n-1] == 0 {
			n--
		}
		payload = payload[:n]
		var incompat byte
		if tw.Signed {
			incompat = IncompatSigned
		}
		frame = []byte{magicV2, byte(len(payload)), incompat, 0, tw.seq, sysID, compID,
			byte(id), byte(id >> 8), byte(id >> 16)}
	} else {
		frame = []byte{magicV1, byte(len(payload)), tw.seq, sysID, compID, byte(id)}
	}
	tw.seq++

	frame = append(frame, payload...)
	crc := Checksum(frame[1:], mp.CRCExtra())
	frame = append(frame, byte(crc), byte(crc>>8))
	if tw.v2 && tw.Signed {
		frame = append(frame, make([]byte, SignatureLen)...)
	}
	return frame, nil
}

// Checksum computes the X.25 frame checksum over header (without magic),
// payload and crc_extra.
func Checksum(headerAndPayload []byte, crcExtra byte) uint16 {
	h := x25.New()
	h.Write(headerAndPayload)
	h.Write([]byte{crcExtra})
	return h.Sum16()
}

// CRCExtra returns the dialect crc_extra of a message id.
func CRCExtra(id uint32) (byte, bool) {
	mp := dialectRW.GetMessage(id)
	if mp == nil {
		return 0, false
	}
	return mp.CRCExtra(), true
}
